// Package ledger is the append-only JSON Lines file that records completed
// evaluations. It is the only resume state: an item is done exactly when an
// entry with its identity key is in the file.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

const maxLineBytes = 16 * 1024 * 1024

// Ledger is an open, locked ledger file. Append is safe for concurrent use;
// writes are serialized so every entry lands as one whole line.
type Ledger struct {
	path     string
	lockPath string

	mu       sync.Mutex
	file     *os.File
	repaired int64
}

// Open locks path for exclusive use, creating it if needed, and truncates a
// torn final line left by a crash. A final entry that is whole but missing
// its newline is kept. It fails with ErrLocked when a live
// process already holds the ledger.
func Open(path string) (*Ledger, error) {
	clean := filepath.Clean(path)
	if parent := filepath.Dir(clean); parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	lockPath := clean + ".lock"
	if err := acquireLock(lockPath, time.Now()); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("open ledger %s: %w", clean, err)
	}
	repaired, err := repairTail(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("repair ledger %s: %w", clean, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("seek ledger %s: %w", clean, err)
	}
	return &Ledger{path: clean, lockPath: lockPath, file: f, repaired: repaired}, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// RepairedBytes is the size of the torn tail removed by Open.
func (l *Ledger) RepairedBytes() int64 { return l.repaired }

// Keys scans the ledger and returns the identity keys already recorded.
func (l *Ledger) Keys() (map[string]struct{}, ScanStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil, ScanStats{}, errClosed
	}
	keys := map[string]struct{}{}
	stats, err := scan(io.NewSectionReader(l.file, 0, 1<<62), func(line Line) {
		keys[line.Key] = struct{}{}
	})
	if err != nil {
		return nil, stats, fmt.Errorf("scan ledger %s: %w", l.path, err)
	}
	return keys, stats, nil
}

// Append writes one entry as a single line and fsyncs before returning.
// An entry is only durable, and so only counts as done, once Append
// returns nil.
func (l *Ledger) Append(entry types.LedgerEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	payload := make([]byte, 0, len(raw)+1)
	payload = append(payload, raw...)
	payload = append(payload, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errClosed
	}
	if _, err := l.file.Write(payload); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Close releases the file and the lock. It is safe to call more than once.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if rmErr := os.Remove(l.lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
		err = errors.Join(err, fmt.Errorf("release lock: %w", rmErr))
	}
	return err
}

var errClosed = errors.New("ledger is closed")

// repairTail fixes a final line that lacks its newline. A tail that
// decodes as a whole entry is kept and terminated; anything else is a write
// torn by a crash and is truncated. It returns the number of bytes removed.
func repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	keep, err := lastLineStart(f, size)
	if err != nil {
		return 0, err
	}
	if keep == size {
		return 0, nil
	}
	if size-keep <= maxLineBytes {
		tail := make([]byte, size-keep)
		if _, err := f.ReadAt(tail, keep); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if b := bytes.TrimSpace(tail); len(b) > 0 {
			if _, _, err := decodeLine(b); err == nil {
				if _, err := f.WriteAt([]byte{'\n'}, size); err != nil {
					return 0, err
				}
				return 0, f.Sync()
			}
		}
	}
	return size - keep, truncate(f, keep)
}

// lastLineStart returns the offset just past the last newline, or 0.
func lastLineStart(f *os.File, size int64) (int64, error) {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

func truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	return f.Sync()
}
