package audit

// Check names reported per ledger line.
const (
	CheckDecode    = "decode"
	CheckSchema    = "schema"
	CheckVerdict   = "verdict"
	CheckIdentity  = "identity"
	CheckDuplicate = "duplicate"
)

var checkOrder = []string{CheckDecode, CheckSchema, CheckVerdict, CheckIdentity, CheckDuplicate}

// CheckResult aggregates one check over the whole ledger.
type CheckResult struct {
	Check    string `json:"check"`
	Passed   bool   `json:"passed"`
	Failures int    `json:"failures"`
}

// Violation is one failed check on one ledger line.
type Violation struct {
	Line    int    `json:"line"`
	Check   string `json:"check"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message"`
}

// Tally counts answers against ground truth. Rows whose label is not
// yes/y/no/n are counted in Unlabeled and left out of both rates.
type Tally struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Refused int `json:"refused"`

	Labeled        int `json:"labeled"`
	Unlabeled      int `json:"unlabeled"`
	LabelNo        int `json:"label_no"`
	Correct        int `json:"correct"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
	RefusedLabeled int `json:"refused_labeled"`

	Accuracy          float64 `json:"accuracy"`
	HallucinationRate float64 `json:"hallucination_rate"`
	RefusalRate       float64 `json:"refusal_rate"`
}

// Report is the outcome of auditing one ledger.
type Report struct {
	Ledger       string        `json:"ledger"`
	LedgerSHA256 string        `json:"ledger_sha256"`
	Passed       bool          `json:"passed"`
	Lines        int           `json:"lines"`
	Entries      int           `json:"entries"`
	RunIDs       []string      `json:"run_ids"`
	Checks       []CheckResult `json:"checks"`
	Violations   []Violation   `json:"violations"`
	Tally        Tally         `json:"tally"`
}
