package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Input row field names. The layout follows the POPE annotation files.
const (
	FieldQuestionID = "question_id"
	FieldImage      = "image"
	FieldLocalPath  = "local_path"
	FieldQuestion   = "question"
	FieldText       = "text"
	FieldAnswer     = "answer"
	FieldLabel      = "label"
)

// QuestionItem is one yes/no visual question. Fields of the input row that
// the pipeline does not interpret are kept verbatim so they survive into the
// ledger entry.
type QuestionItem struct {
	ID          string
	Image       string
	LocalPath   string
	Question    string
	GroundTruth string

	fields map[string]json.RawMessage
}

// ImageReference is the reference used for identity: the bare image name if
// present, the resolved local path otherwise.
func (q QuestionItem) ImageReference() string {
	if q.Image != "" {
		return q.Image
	}
	return q.LocalPath
}

// Fields returns a copy of the row as it was read, with the known fields
// filled in for items that were built in code.
func (q QuestionItem) Fields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(q.fields)+5)
	for k, v := range q.fields {
		out[k] = v
	}
	setIfAbsent(out, FieldQuestionID, q.ID)
	setIfAbsent(out, FieldImage, q.Image)
	setIfAbsent(out, FieldLocalPath, q.LocalPath)
	if _, ok := out[FieldText]; !ok {
		setIfAbsent(out, FieldQuestion, q.Question)
	}
	if _, ok := out[FieldAnswer]; !ok {
		setIfAbsent(out, FieldLabel, q.GroundTruth)
	}
	return out
}

func (q QuestionItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.Fields())
}

func (q *QuestionItem) UnmarshalJSON(raw []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	item, err := ItemFromFields(fields)
	if err != nil {
		return err
	}
	*q = item
	return nil
}

// ItemFromFields interprets a decoded row.
func ItemFromFields(fields map[string]json.RawMessage) (QuestionItem, error) {
	item := QuestionItem{fields: fields}
	var err error
	if item.ID, err = scalarField(fields, FieldQuestionID); err != nil {
		return QuestionItem{}, err
	}
	if item.Image, err = scalarField(fields, FieldImage); err != nil {
		return QuestionItem{}, err
	}
	if item.LocalPath, err = scalarField(fields, FieldLocalPath); err != nil {
		return QuestionItem{}, err
	}
	if item.Question, err = firstScalar(fields, FieldQuestion, FieldText); err != nil {
		return QuestionItem{}, err
	}
	if item.GroundTruth, err = firstScalar(fields, FieldAnswer, FieldLabel); err != nil {
		return QuestionItem{}, err
	}
	return item, nil
}

func firstScalar(fields map[string]json.RawMessage, keys ...string) (string, error) {
	for _, k := range keys {
		v, err := scalarField(fields, k)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
	}
	return "", nil
}

// scalarField reads a string or number field. Numbers keep their literal
// text so question_id 7 and "7" name the same item.
func scalarField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("field %s: %w", key, err)
		}
		return s, nil
	case '{', '[', 't', 'f':
		return "", fmt.Errorf("field %s: expected string or number", key)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("field %s: %w", key, err)
		}
		return n.String(), nil
	}
}

func setIfAbsent(fields map[string]json.RawMessage, key, value string) {
	if _, ok := fields[key]; ok || strings.TrimSpace(value) == "" {
		return
	}
	raw, _ := json.Marshal(value)
	fields[key] = raw
}
