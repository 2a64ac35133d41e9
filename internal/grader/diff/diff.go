// Package diff compares expected and actual program output under a match policy and
// renders a bounded, human-readable discrepancy report.
package diff

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	appErr "corrector/pkg/errors"
)

// Policy selects how expected and actual values are compared.
type Policy string

const (
	Ignore  Policy = "ignore"
	Literal Policy = "literal"
	Regex   Policy = "regex"
)

const (
	// FullListingLines is the largest input, per side, shown as a complete listing.
	FullListingLines = 15
	// MaxUnifiedLines is the largest unified diff emitted whole.
	MaxUnifiedLines = 50
	// TruncatedLines is how much of a larger diff is kept.
	TruncatedLines = 40
	// MaxLineLen clips every rendered line, in runes.
	MaxLineLen = 160
	// MaxBodyLen bounds Report.Body in bytes for any input.
	MaxBodyLen = MaxUnifiedLines * (MaxLineLen*utf8.UTFMax + 1)

	contextLines   = 3
	noNewlineMark  = "\\ No newline at end of output"
	clipMark       = "…"
	emptyExpected  = "no output was expected"
	expectedHeader = "expected"
	actualHeader   = "actual"
)

// ParsePolicy accepts the names used in job specs. The empty string means Literal.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "literal", "exact":
		return Literal, nil
	case "regex", "single_regex", "regexp":
		return Regex, nil
	case "ignore", "none":
		return Ignore, nil
	default:
		return "", appErr.Newf(appErr.UnsupportedMatch, "unsupported match policy: %s", s)
	}
}

// CompilePattern compiles a SINGLE_REGEX pattern in multi-line mode.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidValue, "invalid pattern %q", pattern)
	}
	return re, nil
}

// Report is one discrepancy.
type Report struct {
	Synopsis string
	Body     string
}

// String joins synopsis and body the way they appear in diagnostic blocks.
func (r Report) String() string {
	switch {
	case r.Synopsis == "":
		return r.Body
	case r.Body == "":
		return r.Synopsis
	default:
		return r.Synopsis + "\n" + r.Body
	}
}

// Compare returns a report and true when actual does not satisfy expected under policy.
func Compare(expected, actual string, policy Policy) (Report, bool) {
	switch policy {
	case Ignore:
		return Report{}, false
	case Regex:
		return compareRegex(expected, actual)
	default:
		return compareLiteral(expected, actual)
	}
}

func compareRegex(pattern, actual string) (Report, bool) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return Report{Synopsis: err.Error()}, true
	}
	if re.MatchString(actual) {
		return Report{}, false
	}
	return Report{Synopsis: "no match for pattern: " + pattern}, true
}

func compareLiteral(expected, actual string) (Report, bool) {
	if expected == actual {
		return Report{}, false
	}
	if expected == "" {
		return Report{Synopsis: emptyExpected}, true
	}
	a := splitLines(expected)
	b := splitLines(actual)
	matcher := difflib.NewMatcher(a, b)
	if len(a) <= FullListingLines && len(b) <= FullListingLines {
		return Report{Body: fullListing(matcher, a, b)}, true
	}

	unified := unifiedLines(a, b)
	if len(unified) <= MaxUnifiedLines {
		return Report{Body: joinClipped(unified)}, true
	}
	kept := unified[:TruncatedLines]
	omitted := len(unified) - TruncatedLines
	body := joinClipped(kept) + "\n" + fmt.Sprintf("... %d more lines omitted", omitted)
	return Report{Synopsis: synopsis(expected, actual, a, b, matcher), Body: body}, true
}

// splitLines keeps line terminators so that a missing final newline is a difference.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func fullListing(matcher *difflib.SequenceMatcher, a, b []string) string {
	var out []string
	emit := func(prefix string, lines []string) {
		for _, line := range lines {
			out = append(out, renderLine(prefix, line)...)
		}
	}
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			emit("  ", a[op.I1:op.I2])
		case 'd':
			emit("- ", a[op.I1:op.I2])
		case 'i':
			emit("+ ", b[op.J1:op.J2])
		case 'r':
			emit("- ", a[op.I1:op.I2])
			emit("+ ", b[op.J1:op.J2])
		}
	}
	return joinClipped(out)
}

func renderLine(prefix, line string) []string {
	if strings.HasSuffix(line, "\n") {
		return []string{prefix + strings.TrimSuffix(line, "\n")}
	}
	return []string{prefix + line, noNewlineMark}
}

func unifiedLines(a, b []string) []string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        terminate(a),
		B:        terminate(b),
		FromFile: expectedHeader,
		ToFile:   actualHeader,
		Context:  contextLines,
	})
	if err != nil {
		return []string{err.Error()}
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func terminate(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		out[i] = line
	}
	return out
}

func synopsis(expected, actual string, a, b []string, matcher *difflib.SequenceMatcher) string {
	lineDelta := len(b) - len(a)
	charDelta := utf8.RuneCountInString(actual) - utf8.RuneCountInString(expected)
	common := matcher.Ratio() * 100
	return fmt.Sprintf("%+d lines, %+d characters, %.0f%% of lines in common", lineDelta, charDelta, common)
}

func joinClipped(lines []string) string {
	clipped := make([]string, len(lines))
	for i, line := range lines {
		clipped[i] = clip(line)
	}
	return strings.Join(clipped, "\n")
}

func clip(line string) string {
	if utf8.RuneCountInString(line) <= MaxLineLen {
		return line
	}
	runes := []rune(line)
	return string(runes[:MaxLineLen-1]) + clipMark
}
