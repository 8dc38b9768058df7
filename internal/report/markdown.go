package report

import (
	"fmt"
	"strings"

	"github.com/mining-wb/MM-TrustBench/internal/audit"
)

// maxListedViolations caps the violations table; the JSON report has all.
const maxListedViolations = 50

func BuildMarkdown(r audit.Report) string {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	var b strings.Builder
	b.WriteString("# MM-TrustBench Ledger Audit\n\n")
	b.WriteString(fmt.Sprintf("- Status: **%s**\n", status))
	b.WriteString(fmt.Sprintf("- Ledger: `%s`\n", r.Ledger))
	b.WriteString(fmt.Sprintf("- Digest: `%s`\n", r.LedgerSHA256))
	b.WriteString(fmt.Sprintf("- Entries: `%d` of `%d` lines\n", r.Entries, r.Lines))
	runs := "-"
	if len(r.RunIDs) > 0 {
		runs = strings.Join(r.RunIDs, ", ")
	}
	b.WriteString(fmt.Sprintf("- Runs: %s\n\n", runs))

	b.WriteString("## Checks\n\n")
	b.WriteString("| Check | Passed | Failures |\n")
	b.WriteString("|---|---:|---:|\n")
	for _, c := range r.Checks {
		b.WriteString(fmt.Sprintf("| %s | %t | %d |\n", c.Check, c.Passed, c.Failures))
	}

	t := r.Tally
	b.WriteString("\n## Answers\n\n")
	b.WriteString("| yes | no | refused | refusal rate |\n")
	b.WriteString("|---:|---:|---:|---:|\n")
	b.WriteString(fmt.Sprintf("| %d | %d | %d | %s |\n", t.Yes, t.No, t.Refused, percent(t.RefusalRate)))

	b.WriteString("\n## Against Ground Truth\n\n")
	b.WriteString(fmt.Sprintf("- Labeled: `%d` (unlabeled, excluded: `%d`)\n", t.Labeled, t.Unlabeled))
	b.WriteString(fmt.Sprintf("- Correct: `%d`, accuracy **%s**\n", t.Correct, percent(t.Accuracy)))
	b.WriteString(fmt.Sprintf("- Hallucinations (label no, answered yes): `%d` of `%d`, rate **%s**\n", t.FalsePositives, t.LabelNo, percent(t.HallucinationRate)))
	b.WriteString(fmt.Sprintf("- Misses (label yes, answered no): `%d`\n", t.FalseNegatives))
	b.WriteString(fmt.Sprintf("- Refused with a label: `%d`\n", t.RefusedLabeled))

	if len(r.Violations) > 0 {
		b.WriteString("\n## Violations\n\n")
		b.WriteString("| Line | Check | Key | Message |\n")
		b.WriteString("|---:|---|---|---|\n")
		for i, v := range r.Violations {
			if i == maxListedViolations {
				b.WriteString(fmt.Sprintf("\n_%d more not shown._\n", len(r.Violations)-maxListedViolations))
				break
			}
			key := v.Key
			if key == "" {
				key = "-"
			}
			b.WriteString(fmt.Sprintf("| %d | %s | %s | %s |\n", v.Line, v.Check, cell(key), cell(v.Message)))
		}
	}
	return b.String()
}

func WriteMarkdown(path string, r audit.Report) error {
	return writeFileAtomic(path, []byte(BuildMarkdown(r)), 0o644)
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func percent(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}
