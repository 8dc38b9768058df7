// Package audit re-checks a ledger against the pipeline's output contract
// and tallies its verdicts against ground truth.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mining-wb/MM-TrustBench/internal/hash"
	"github.com/mining-wb/MM-TrustBench/internal/ledger"
	"github.com/mining-wb/MM-TrustBench/internal/trust"
	"github.com/mining-wb/MM-TrustBench/pkg/schema"
	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// Ground truth after normalization.
const (
	LabelYes     = "yes"
	LabelNo      = "no"
	LabelUnknown = "unknown"
)

// Detail is one ledger row annotated with its grading. It marshals as the
// row's own fields plus the grading fields.
type Detail struct {
	Line      int
	Row       map[string]any
	Label     string
	Predicted types.Answer
	Correct   bool
	FP        bool
	FN        bool
}

func (d Detail) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Row)+5)
	for k, v := range d.Row {
		out[k] = v
	}
	out["normalized_label"] = d.Label
	out["graded_answer"] = string(d.Predicted)
	out["correct"] = d.Correct
	out["is_fp"] = d.FP
	out["is_fn"] = d.FN
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Run audits the ledger at path. The error is reserved for a ledger that
// cannot be read at all; everything wrong inside it is a violation.
func Run(path string) (Report, []Detail, error) {
	digest, _, err := hash.DigestFile(path)
	if err != nil {
		return Report{}, nil, err
	}
	rep := Report{Ledger: path, LedgerSHA256: digest}
	failures := map[string]int{}
	fail := func(line int, check, key, msg string) {
		failures[check]++
		rep.Violations = append(rep.Violations, Violation{Line: line, Check: check, Key: key, Message: msg})
	}

	var details []Detail
	seen := map[string]int{}
	runs := map[string]struct{}{}
	_, err = ledger.ScanFile(path, func(line ledger.Line) {
		rep.Lines++
		if line.Err != nil {
			fail(line.Number, CheckDecode, "", line.Err.Error())
			return
		}
		rep.Entries++
		entry := line.Entry

		violations, err := schema.Validate(schema.LedgerEntry, line.Raw)
		if err != nil {
			fail(line.Number, CheckSchema, line.Key, err.Error())
		} else if len(violations) > 0 {
			fail(line.Number, CheckSchema, line.Key, strings.Join(violations, "; "))
		}
		if !entry.Verdict.Answer.Valid() {
			fail(line.Number, CheckVerdict, line.Key,
				fmt.Sprintf("final_answer %q is not yes, no or refused", entry.Verdict.Answer))
		} else if want := trust.Extract(entry.Verdict.Raw).Answer; entry.Verdict.Answer != want {
			fail(line.Number, CheckVerdict, line.Key,
				fmt.Sprintf("final_answer %q but model_answer gates to %q", entry.Verdict.Answer, want))
		}
		if entry.IdentityKey != "" && entry.IdentityKey != line.Key {
			fail(line.Number, CheckIdentity, line.Key,
				fmt.Sprintf("identity_key %s does not match the item", entry.IdentityKey))
		}
		if first, dup := seen[line.Key]; dup {
			fail(line.Number, CheckDuplicate, line.Key, fmt.Sprintf("already recorded on line %d", first))
		} else {
			seen[line.Key] = line.Number
		}
		if entry.RunID != "" {
			runs[entry.RunID] = struct{}{}
		}

		d := grade(&rep.Tally, entry)
		d.Line = line.Number
		d.Row = decodeRow(line.Raw)
		details = append(details, d)
	})
	if err != nil {
		return Report{}, nil, err
	}

	for id := range runs {
		rep.RunIDs = append(rep.RunIDs, id)
	}
	sort.Strings(rep.RunIDs)
	for _, c := range checkOrder {
		rep.Checks = append(rep.Checks, CheckResult{Check: c, Passed: failures[c] == 0, Failures: failures[c]})
	}
	rep.Passed = len(rep.Violations) == 0
	rep.Tally.finish()
	return rep, details, nil
}

// NormalizeLabel maps a ground-truth value to yes, no or unknown.
func NormalizeLabel(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y":
		return LabelYes
	case "no", "n":
		return LabelNo
	default:
		return LabelUnknown
	}
}

func grade(t *Tally, entry types.LedgerEntry) Detail {
	d := Detail{Label: NormalizeLabel(entry.Item.GroundTruth), Predicted: entry.Verdict.Answer}
	switch entry.Verdict.Answer {
	case types.AnswerYes:
		t.Yes++
	case types.AnswerNo:
		t.No++
	default:
		t.Refused++
	}
	if d.Label == LabelUnknown {
		t.Unlabeled++
		return d
	}
	t.Labeled++
	if entry.Verdict.Answer == types.AnswerRefused {
		t.RefusedLabeled++
	}
	d.Correct = string(entry.Verdict.Answer) == d.Label
	d.FP = d.Label == LabelNo && entry.Verdict.Answer == types.AnswerYes
	d.FN = d.Label == LabelYes && entry.Verdict.Answer == types.AnswerNo
	if d.Label == LabelNo {
		t.LabelNo++
	}
	if d.Correct {
		t.Correct++
	}
	if d.FP {
		t.FalsePositives++
	}
	if d.FN {
		t.FalseNegatives++
	}
	return d
}

func (t *Tally) finish() {
	t.Accuracy = ratio(t.Correct, t.Labeled)
	t.HallucinationRate = ratio(t.FalsePositives, t.LabelNo)
	t.RefusalRate = ratio(t.Refused, t.Yes+t.No+t.Refused)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func decodeRow(raw []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	row := map[string]any{}
	_ = dec.Decode(&row)
	return row
}
