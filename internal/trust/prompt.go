package trust

import "strings"

// Section headers shared by the prompt and the extractor.
const (
	EvidenceHeader  = "Evidence:"
	SelfCheckHeader = "Self-check:"
	AnswerHeader    = "Answer:"
)

// UnsupportedToken is the word the model is told to use when the evidence
// does not settle the question.
const UnsupportedToken = "Unsupported"

const preamble = "Follow this format exactly.\n" +
	"1) " + EvidenceHeader + " Describe only what is visible in the image that is relevant to the question. Do not guess at anything you cannot see.\n" +
	"2) " + SelfCheckHeader + " Before answering, judge whether that evidence supports a definite yes or no. " +
	"If you are uncertain or the image does not show enough, say " + UnsupportedToken + ".\n" +
	"3) " + AnswerHeader + " Give exactly one word: yes, no, or " + UnsupportedToken + ".\n"

// BuildPrompt wraps a question in the evidence-gated instructions.
func BuildPrompt(question string) string {
	var b strings.Builder
	b.Grow(len(preamble) + len(question) + 64)
	b.WriteString(preamble)
	b.WriteString("\nQuestion: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\n")
	b.WriteString(EvidenceHeader + "\n")
	b.WriteString(SelfCheckHeader + "\n")
	b.WriteString(AnswerHeader)
	return b.String()
}
