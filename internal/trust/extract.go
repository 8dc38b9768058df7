package trust

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// FailureSentinel is what a Predictor returns instead of an error.
const FailureSentinel = "Error"

// Extract splits a raw model reply into its three sections and decides the
// final answer. It never fails: anything it cannot read becomes a refusal.
//
// Precedence: an answer token other than yes/no refuses; otherwise a
// self-check mentioning "unsupported" refuses; otherwise the token stands.
func Extract(raw string) types.Verdict {
	v := types.Verdict{Answer: types.AnswerRefused, Raw: raw}
	text := strings.TrimSpace(raw)
	if text == "" || text == FailureSentinel {
		return v
	}

	v.Evidence = section(text, EvidenceHeader, SelfCheckHeader)
	v.SelfCheck = section(text, SelfCheckHeader, AnswerHeader)

	switch token := answerToken(text); {
	case token != string(types.AnswerYes) && token != string(types.AnswerNo):
		v.Answer = types.AnswerRefused
	case containsFold(v.SelfCheck, UnsupportedToken):
		v.Answer = types.AnswerRefused
	default:
		v.Answer = types.Answer(token)
	}
	return v
}

// section returns the text between the first occurrence of header and the
// next occurrence of stop after it, or the end of text.
func section(text, header, stop string) string {
	start := indexFold(text, header, 0)
	if start < 0 {
		return ""
	}
	start += len(header)
	end := indexFold(text, stop, start)
	if end < 0 {
		end = len(text)
	}
	return cleanSection(text[start:end])
}

// answerToken returns the lower-cased word following the answer header.
// A header that is not followed by a word is skipped in favour of a later
// one, so an echoed template line does not hide the real answer.
func answerToken(text string) string {
	from := 0
	for {
		i := indexFold(text, AnswerHeader, from)
		if i < 0 {
			return ""
		}
		rest := strings.TrimLeftFunc(text[i+len(AnswerHeader):], func(r rune) bool {
			return unicode.IsSpace(r) || r == '*' || r == '`'
		})
		end := strings.IndexFunc(rest, func(r rune) bool { return !isWordRune(r) })
		if end < 0 {
			end = len(rest)
		}
		if end > 0 {
			return strings.ToLower(rest[:end])
		}
		from = i + len(AnswerHeader)
	}
}

// cleanSection trims whitespace, a leading bold marker left over from
// "**Evidence:**", and the stray list markers a model leaves before the next
// header, e.g. "a red car.\n2)" or "clear. **".
func cleanSection(s string) string {
	s = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), "*"))
	for s != "" {
		cut := strings.LastIndexFunc(s, unicode.IsSpace)
		last, ownLine, afterStop := s, true, false
		if cut >= 0 {
			_, w := utf8.DecodeRuneInString(s[cut:])
			last = s[cut+w:]
			prev := strings.LastIndexFunc(s[:cut], isNotSpace)
			gap := s[prev+1 : cut+w]
			ownLine = strings.ContainsRune(gap, '\n')
			if prev >= 0 {
				afterStop = strings.IndexByte(".!?;:,", s[prev]) >= 0
			}
		}
		if !isListArtifact(last, ownLine || afterStop, ownLine) {
			return s
		}
		if cut < 0 {
			return ""
		}
		s = strings.TrimSpace(s[:cut])
	}
	return s
}

// isListArtifact matches "**" anywhere. "2)" and "(3)" match on a line of
// their own or after closing punctuation ("a car. 2)"), not in running text
// like "the clock shows 3)". "2." matches only on a line of its own, since
// "there are 2." is real content.
func isListArtifact(tok string, detached, ownLine bool) bool {
	if strings.Trim(tok, "*#") == "" {
		return true
	}
	t := strings.TrimPrefix(tok, "(")
	if len(t) < 2 || len(t) > 3 {
		return false
	}
	switch t[len(t)-1] {
	case ')':
		if !detached {
			return false
		}
	case '.':
		if !ownLine || strings.HasPrefix(tok, "(") {
			return false
		}
	default:
		return false
	}
	for _, c := range []byte(t[:len(t)-1]) {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isNotSpace(r rune) bool { return !unicode.IsSpace(r) }

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// indexFold is an ASCII case-insensitive strings.Index starting at from.
// Byte offsets stay aligned with text, unlike searching a lowered copy.
func indexFold(text, sub string, from int) int {
	n := len(sub)
	for i := from; i+n <= len(text); i++ {
		if asciiEqualFold(text[i:i+n], sub) {
			return i
		}
	}
	return -1
}

func containsFold(text, sub string) bool {
	return indexFold(text, sub, 0) >= 0
}

func asciiEqualFold(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= utf8.RuneSelf || cb >= utf8.RuneSelf {
			if ca != cb {
				return false
			}
			continue
		}
		if lower(ca) != lower(cb) {
			return false
		}
	}
	return true
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
