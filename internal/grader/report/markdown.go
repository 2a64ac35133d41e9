package report

import (
	"strings"

	"corrector/internal/grader/tap"
)

const (
	markPass = " ✔"
	markFail = " ✖"
	markWarn = " ⚠"
)

// Markdown renders one bullet per test with its diagnostics nested below. Keys that start
// with an underscore are shown without their label.
func Markdown(doc *tap.Document) string {
	var lines []string
	for _, t := range doc.Tests {
		suffix := ""
		switch {
		case t.Warn:
			suffix = markWarn
		case t.Skip:
			// no mark
		case t.OK:
			suffix = markPass
		default:
			suffix = markFail
		}
		lines = append(lines, "- "+t.Description+suffix)

		var block []string
		for _, d := range t.Diagnostics {
			block = append(block, diagnosticLines(d)...)
		}
		if len(block) > 0 {
			lines = append(lines, indent(strings.Join(block, "\n")))
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func diagnosticLines(d tap.Diagnostic) []string {
	hidden := strings.HasPrefix(d.Key, "_")
	if strings.Contains(strings.TrimRight(d.Value, "\n"), "\n") {
		if hidden {
			return []string{fenced(d.Value)}
		}
		return []string{"- " + d.Key, indent(fenced(d.Value))}
	}
	value := strings.TrimRight(d.Value, "\n")
	if hidden {
		return []string{value}
	}
	return []string{"- " + d.Key + ": " + value}
}

// fenced wraps s in a code fence long enough not to collide with backticks inside it.
func fenced(s string) string {
	fence := "```"
	for strings.Contains(s, fence) {
		fence += "`"
	}
	return fence + "\n" + strings.TrimRight(s, "\n") + "\n" + fence
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = "  " + l
		}
	}
	return strings.Join(lines, "\n")
}
