// Package tap reads and writes Test Anything Protocol (version 13) text.
package tap

import (
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	appErr "corrector/pkg/errors"
)

const (
	versionPrefix = "TAP version "
	bailPrefix    = "Bail out!"
	warnPrefix    = "[warn]"
	yamlStart     = "---"
	yamlEnd       = "..."
)

var (
	planRE = regexp.MustCompile(`^1\.\.(\d+)\s*(?:#.*)?$`)
	testRE = regexp.MustCompile(`^(not\s+)?ok\b\s*(\d+)?\s*(.*)$`)
	warnRE = regexp.MustCompile(`^\[warn\]\s*`)
)

// Diagnostic is one key of a YAML diagnostic block, in document order.
type Diagnostic struct {
	Key   string
	Value string
}

// Result is one parsed test line.
type Result struct {
	OK          bool
	Number      int
	Description string
	Skip        bool
	Todo        bool
	Warn        bool
	Reason      string
	Diagnostics []Diagnostic
}

// Document is everything recognized in a TAP stream.
type Document struct {
	Version    int
	Plan       int
	HasPlan    bool
	Tests      []Result
	BailedOut  bool
	BailReason string
	// Errors lists diagnostic blocks that were skipped.
	Errors []error
}

// Parse reads TAP text. It never fails: unrecognized lines are ignored and malformed
// diagnostic blocks are dropped and recorded in Errors.
func Parse(text string) *Document {
	doc := &Document{}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, versionPrefix):
			if v, err := strconv.Atoi(strings.TrimSpace(line[len(versionPrefix):])); err == nil {
				doc.Version = v
			}
		case strings.HasPrefix(line, bailPrefix):
			doc.BailedOut = true
			doc.BailReason = strings.TrimSpace(line[len(bailPrefix):])
		case planRE.MatchString(line):
			n, _ := strconv.Atoi(planRE.FindStringSubmatch(line)[1])
			doc.Plan = n
			doc.HasPlan = true
		case testRE.MatchString(line):
			doc.Tests = append(doc.Tests, parseTestLine(line, len(doc.Tests)+1))
		case trimmed == yamlStart && len(doc.Tests) > 0 && line != trimmed:
			end := blockEnd(lines, i, indentOf(line))
			if end < 0 {
				doc.Errors = append(doc.Errors, appErr.Newf(appErr.DiagnosticParseFailed, "line %d: unterminated diagnostic block", i+1))
				continue
			}
			diags, err := parseBlock(lines[i+1:end], indentOf(line))
			if err != nil {
				doc.Errors = append(doc.Errors, appErr.Wrapf(err, appErr.DiagnosticParseFailed, "line %d: malformed diagnostic block", i+1))
			} else {
				last := &doc.Tests[len(doc.Tests)-1]
				last.Diagnostics = append(last.Diagnostics, diags...)
			}
			i = end
		}
	}
	return doc
}

func parseTestLine(line string, next int) Result {
	m := testRE.FindStringSubmatch(line)
	r := Result{OK: m[1] == "", Number: next}
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			r.Number = n
		}
	}
	rest := strings.TrimPrefix(strings.TrimSpace(m[3]), "- ")
	if warnRE.MatchString(rest) {
		r.Warn = true
		rest = warnRE.ReplaceAllString(rest, "")
	}
	desc, directive := splitDirective(rest)
	upper := strings.ToUpper(directive)
	switch {
	case strings.HasPrefix(upper, "SKIP"):
		r.Skip = true
		r.Reason = strings.TrimSpace(strings.TrimLeftFunc(directive[4:], isWordChar))
	case strings.HasPrefix(upper, "TODO"):
		r.Todo = true
		r.Reason = strings.TrimSpace(directive[4:])
	}
	r.Description = desc
	return r
}

func isWordChar(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

// splitDirective separates the description from a directive after the first unescaped '#'.
func splitDirective(s string) (string, string) {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && (s[i+1] == '#' || s[i+1] == '\\'):
			sb.WriteByte(s[i+1])
			i++
		case i == 0 && len(s) > 1 && s[0] == '\\' && (s[1] == '[' || s[1] == '-'):
			// escaped leading marker
		case s[i] == '#':
			return strings.TrimSpace(sb.String()), strings.TrimSpace(s[i+1:])
		default:
			sb.WriteByte(s[i])
		}
	}
	return strings.TrimSpace(sb.String()), ""
}

func blockEnd(lines []string, start int, indent string) int {
	for j := start + 1; j < len(lines); j++ {
		if strings.TrimRight(lines[j], " \t") == indent+yamlEnd {
			return j
		}
		if t := strings.TrimSpace(lines[j]); t != "" && !strings.HasPrefix(lines[j], indent) {
			// a flush-left line ends the indented region without a terminator
			return -1
		}
	}
	return -1
}

func indentOf(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

func parseBlock(lines []string, indent string) ([]Diagnostic, error) {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(strings.TrimPrefix(l, indent))
		sb.WriteByte('\n')
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(sb.String()), &node); err != nil {
		return nil, err
	}
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) != 1 || node.Content[0].Kind != yaml.MappingNode {
		return nil, appErr.New(appErr.DiagnosticParseFailed).WithMessage("diagnostic block is not a mapping")
	}
	mapping := node.Content[0]
	diags := make([]Diagnostic, 0, len(mapping.Content)/2)
	for k := 0; k+1 < len(mapping.Content); k += 2 {
		key, value := mapping.Content[k], mapping.Content[k+1]
		diags = append(diags, Diagnostic{Key: key.Value, Value: nodeText(value)})
	}
	return diags, nil
}

func nodeText(n *yaml.Node) string {
	if n.Kind == yaml.ScalarNode {
		return n.Value
	}
	out, err := yaml.Marshal(n)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(out), "\n")
}
