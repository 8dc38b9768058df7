package types

import (
	"encoding/json"
	"fmt"
)

// Ledger entry field names written on top of the item row.
const (
	FieldModelAnswer = "model_answer"
	FieldFinalAnswer = "final_answer"
	FieldEvidence    = "evidence"
	FieldSelfCheck   = "self_check"
	FieldIdentityKey = "identity_key"
	FieldRunID       = "run_id"
	FieldEvaluatedAt = "evaluated_at"
	FieldImageSHA256 = "image_sha256"
)

var ledgerFields = []string{
	FieldModelAnswer,
	FieldFinalAnswer,
	FieldEvidence,
	FieldSelfCheck,
	FieldIdentityKey,
	FieldRunID,
	FieldEvaluatedAt,
	FieldImageSHA256,
}

// LedgerEntry is one completed evaluation: the original row plus the verdict.
// It serializes flat, with the verdict fields overriding any same-named
// input fields.
type LedgerEntry struct {
	Item        QuestionItem
	Verdict     Verdict
	IdentityKey string
	RunID       string
	EvaluatedAt string
	ImageSHA256 string
}

func (e LedgerEntry) MarshalJSON() ([]byte, error) {
	fields := e.Item.Fields()
	set := func(k, v string) {
		raw, _ := json.Marshal(v)
		fields[k] = raw
	}
	set(FieldModelAnswer, e.Verdict.Raw)
	set(FieldFinalAnswer, string(e.Verdict.Answer))
	set(FieldEvidence, e.Verdict.Evidence)
	set(FieldSelfCheck, e.Verdict.SelfCheck)
	// Audit metadata is omitted when empty.
	for k, v := range map[string]string{
		FieldIdentityKey: e.IdentityKey,
		FieldRunID:       e.RunID,
		FieldEvaluatedAt: e.EvaluatedAt,
		FieldImageSHA256: e.ImageSHA256,
	} {
		if v == "" {
			delete(fields, k)
			continue
		}
		set(k, v)
	}
	return json.Marshal(fields)
}

func (e *LedgerEntry) UnmarshalJSON(raw []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	values := make(map[string]string, len(ledgerFields))
	for _, k := range ledgerFields {
		v, err := scalarField(fields, k)
		if err != nil {
			return fmt.Errorf("ledger entry: %w", err)
		}
		values[k] = v
		delete(fields, k)
	}
	item, err := ItemFromFields(fields)
	if err != nil {
		return fmt.Errorf("ledger entry: %w", err)
	}
	*e = LedgerEntry{
		Item: item,
		Verdict: Verdict{
			Answer:    Answer(values[FieldFinalAnswer]),
			Evidence:  values[FieldEvidence],
			SelfCheck: values[FieldSelfCheck],
			Raw:       values[FieldModelAnswer],
		},
		IdentityKey: values[FieldIdentityKey],
		RunID:       values[FieldRunID],
		EvaluatedAt: values[FieldEvaluatedAt],
		ImageSHA256: values[FieldImageSHA256],
	}
	return nil
}
