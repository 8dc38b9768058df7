// Package dataset reads question items from JSON Lines files and resolves
// their images on disk.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mining-wb/MM-TrustBench/pkg/schema"
	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

const maxLineBytes = 8 * 1024 * 1024

// SkippedRow is an input line that could not be turned into an item.
type SkippedRow struct {
	Line   int
	Reason string
}

// LoadResult lists the usable items in file order and the rows that were
// dropped.
type LoadResult struct {
	Items   []types.QuestionItem
	Skipped []SkippedRow
}

// Load reads a JSONL dataset. Blank lines are ignored and unreadable rows
// are reported in Skipped; only I/O failures are errors.
func Load(path string) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()
	res, err := Read(f)
	if err != nil {
		return LoadResult{}, fmt.Errorf("read dataset %s: %w", path, err)
	}
	return res, nil
}

// Read is Load over an arbitrary reader.
func Read(r io.Reader) (LoadResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var res LoadResult
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		item, reason := parseRow(b)
		if reason != "" {
			res.Skipped = append(res.Skipped, SkippedRow{Line: line, Reason: reason})
			continue
		}
		res.Items = append(res.Items, item)
	}
	if err := scanner.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func parseRow(b []byte) (types.QuestionItem, string) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return types.QuestionItem{}, "invalid json: " + err.Error()
	}
	violations, err := schema.Validate(schema.QuestionItem, b)
	if err != nil {
		return types.QuestionItem{}, err.Error()
	}
	if len(violations) > 0 {
		return types.QuestionItem{}, strings.Join(violations, "; ")
	}
	item, err := types.ItemFromFields(fields)
	if err != nil {
		return types.QuestionItem{}, err.Error()
	}
	return item, ""
}
