package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// Line is one non-blank ledger line. Err is set when the line does not
// decode as an entry; Entry and Key are only meaningful when Err is nil.
type Line struct {
	Number int
	Raw    []byte
	Entry  types.LedgerEntry
	Key    string
	Err    error
}

// ScanStats counts what a scan saw.
type ScanStats struct {
	Entries   int
	Blank     int
	Malformed int
}

// ScanFile reads a ledger without locking it, calling fn for every
// non-blank line in order. Malformed lines are passed to fn with Err set,
// never returned as errors.
func ScanFile(path string, fn func(Line)) (ScanStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ScanStats{}, fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()
	stats, err := scanAll(f, fn)
	if err != nil {
		return stats, fmt.Errorf("scan ledger %s: %w", path, err)
	}
	return stats, nil
}

// scan delivers only the well-formed entries.
func scan(r io.Reader, fn func(Line)) (ScanStats, error) {
	return scanAll(r, func(line Line) {
		if line.Err == nil {
			fn(line)
		}
	})
}

func scanAll(r io.Reader, fn func(Line)) (ScanStats, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var stats ScanStats
	number := 0
	for scanner.Scan() {
		number++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			stats.Blank++
			continue
		}
		line := Line{Number: number, Raw: append([]byte(nil), b...)}
		line.Entry, line.Key, line.Err = decodeLine(line.Raw)
		if line.Err != nil {
			stats.Malformed++
		} else {
			stats.Entries++
		}
		fn(line)
	}
	return stats, scanner.Err()
}

func decodeLine(b []byte) (types.LedgerEntry, string, error) {
	var entry types.LedgerEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return types.LedgerEntry{}, "", err
	}
	key, err := Key(entry.Item)
	if err != nil {
		return types.LedgerEntry{}, "", err
	}
	return entry, key, nil
}
