// Package schema holds the JSON Schemas for dataset rows and ledger entries.
package schema

import (
	"embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Schema names, relative to the embedded v1 directory.
const (
	QuestionItem = "question_item"
	LedgerEntry  = "ledger_entry"
)

//go:embed v1/*.schema.json
var files embed.FS

var (
	mu       sync.Mutex
	compiled = map[string]*gojsonschema.Schema{}
)

// Validate checks a JSON document against the named schema. Violations are
// returned as strings; err is reserved for an unknown schema or a document
// that is not JSON at all.
func Validate(name string, doc []byte) ([]string, error) {
	s, err := load(name)
	if err != nil {
		return nil, err
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}

// Source returns the raw schema text.
func Source(name string) ([]byte, error) {
	raw, err := files.ReadFile("v1/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	return raw, nil
}

func load(name string) (*gojsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := compiled[name]; ok {
		return s, nil
	}
	raw, err := Source(name)
	if err != nil {
		return nil, err
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	compiled[name] = s
	return s, nil
}
