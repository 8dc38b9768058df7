package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StaleLockAge is how old a lock file may get before it is reclaimed even
// when its holder still looks alive.
const StaleLockAge = 24 * time.Hour

// ErrLocked is returned by Open when another live process holds the ledger.
var ErrLocked = errors.New("ledger is locked by another process")

func acquireLock(lockPath string, now time.Time) error {
	body := []byte(fmt.Sprintf("%d\n%s\n%s\n", os.Getpid(), now.UTC().Format(time.RFC3339), uuid.NewString()))
	for attempt := 0; attempt < 3; attempt++ {
		err := createLock(lockPath, body)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}
		seen, stale, err := inspectLock(lockPath, now)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil || !stale {
			return fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		if err := reclaimLock(lockPath, seen); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrLocked, lockPath)
}

// createLock publishes a fully written lock file with a hard link, which
// fails when lockPath already exists. Readers never see a half-written lock.
func createLock(lockPath string, body []byte) error {
	tmp := lockPath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return err
	}
	defer os.Remove(tmp)
	return os.Link(tmp, lockPath)
}

// reclaimLock moves the lock judged stale out of the way. Only one process
// can move a given file, and the mover checks it moved the same lock it
// inspected; a fresh lock taken meanwhile by someone else is put back.
func reclaimLock(lockPath string, seen []byte) error {
	aside := lockPath + ".stale-" + uuid.NewString()
	if err := os.Rename(lockPath, aside); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reclaim stale lock %s: %w", lockPath, err)
	}
	defer os.Remove(aside)
	moved, err := os.ReadFile(aside)
	if err == nil && bytes.Equal(moved, seen) {
		return nil
	}
	if err := os.Link(aside, lockPath); err != nil && !os.IsExist(err) {
		return fmt.Errorf("restore lock %s: %w", lockPath, err)
	}
	return fmt.Errorf("%w: %s", ErrLocked, lockPath)
}

// inspectLock returns the lock's content and whether its holder is gone or
// the lock has outlived StaleLockAge. A lock without a readable PID is only
// stale once it is old.
func inspectLock(lockPath string, now time.Time) ([]byte, bool, error) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return nil, false, err
	}
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, false, err
	}
	if now.Sub(info.ModTime()) > StaleLockAge {
		return raw, true, nil
	}
	first, _, _ := strings.Cut(string(raw), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return raw, now.Sub(info.ModTime()) > time.Minute, nil
	}
	return raw, !processAlive(pid), nil
}
