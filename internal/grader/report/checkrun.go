// Package report turns TAP text into the check-run object posted to the code host.
package report

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"corrector/internal/grader/tap"
)

// MaxTextLen is the largest output.text the check-run API accepts.
const MaxTextLen = 65535

const truncatedNote = "\n\n_output truncated_\n"

// Output is the check-run output object.
type Output struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Text    string `json:"text"`
}

// CheckRun is the structured summary of one graded job.
type CheckRun struct {
	Name       string `json:"name,omitempty"`
	Conclusion string `json:"conclusion"`
	Output     Output `json:"output"`
}

// FromTAP derives the check run from TAP text, so it always agrees with the stream.
func FromTAP(text string) CheckRun {
	doc := tap.Parse(text)
	verdict := doc.Verdict()
	counts := doc.Count()
	return CheckRun{
		Conclusion: verdict.Conclusion,
		Output: Output{
			Title:   verdict.Title,
			Summary: summaryLine(doc, counts),
			Text:    clipText(Markdown(doc)),
		},
	}
}

var (
	allOKRE = regexp.MustCompile(`(?m)^All OK\s*$`)
	errorRE = regexp.MustCompile(`(?m)^ERROR\b`)
)

// FromOutput handles build output that may not be TAP. TAP is preferred; otherwise a line
// "All OK" or "ERROR" decides, and anything else cancels the run with the raw log attached.
func FromOutput(output string) CheckRun {
	doc := tap.Parse(output)
	if len(doc.Tests) > 0 || doc.HasPlan || doc.BailedOut {
		return FromTAP(output)
	}
	log := fenced(strings.TrimRight(output, "\n"))
	switch {
	case errorRE.MatchString(output):
		return CheckRun{
			Conclusion: tap.ConclusionFailure,
			Output:     Output{Title: "ERROR", Text: clipText(log)},
		}
	case allOKRE.MatchString(output):
		return CheckRun{
			Conclusion: tap.ConclusionSuccess,
			Output:     Output{Title: "Tests OK", Text: clipText(log)},
		}
	default:
		return Cancelled("unrecognized build output", output)
	}
}

// Cancelled builds the check run for a job that could not be graded.
func Cancelled(reason, detail string) CheckRun {
	run := CheckRun{
		Conclusion: tap.ConclusionCancelled,
		Output:     Output{Title: "Cancelled: " + reason},
	}
	if detail != "" {
		run.Output.Text = clipText(fenced(strings.TrimRight(detail, "\n")))
	}
	return run
}

func summaryLine(doc *tap.Document, c tap.Counts) string {
	if doc.BailedOut {
		return "Bail out! " + doc.BailReason
	}
	parts := []string{fmt.Sprintf("%d of %d tests passed", c.OK, c.ExpectedOK)}
	if c.Fail > 0 {
		parts = append(parts, fmt.Sprintf("%d failing", c.Fail))
	}
	if c.Warn > 0 {
		parts = append(parts, fmt.Sprintf("%d with warnings", c.Warn))
	}
	if c.Skip > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", c.Skip))
	}
	return strings.Join(parts, ", ") + "."
}

func clipText(s string) string {
	if len(s) <= MaxTextLen {
		return s
	}
	cut := MaxTextLen - len(truncatedNote)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedNote
}
