//go:build windows

package ledger

// Liveness is not probed on Windows; only StaleLockAge reclaims a lock.
func processAlive(int) bool { return true }
