package types

// Answer is the final decision for one question.
type Answer string

const (
	AnswerYes     Answer = "yes"
	AnswerNo      Answer = "no"
	AnswerRefused Answer = "refused"
)

// Valid reports whether a is one of the three decisions.
func (a Answer) Valid() bool {
	switch a {
	case AnswerYes, AnswerNo, AnswerRefused:
		return true
	default:
		return false
	}
}

// Verdict is the pipeline output for one question. Raw is the untouched
// model text kept for audit.
type Verdict struct {
	Answer    Answer `json:"answer"`
	Evidence  string `json:"evidence"`
	SelfCheck string `json:"self_check"`
	Raw       string `json:"raw"`
}

// Image is an image payload ready to be sent to a model.
type Image struct {
	Name      string
	MediaType string
	Data      []byte
}
