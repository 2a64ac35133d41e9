package tap

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Status is the rendering of one outcome.
type Status int

const (
	StatusPass Status = iota
	StatusFail
	StatusSkip
	StatusWarn
)

// Outcome is one test line to render.
type Outcome struct {
	Description string
	Status      Status
	Reason      string
	Diagnostics []Diagnostic
}

// FormatOptions controls numbering and termination.
type FormatOptions struct {
	// PlanOffset shifts numbering; when non-zero the plan line is printed last.
	PlanOffset int
	// Planned overrides the plan count; zero means len(outcomes).
	Planned int
	// BailOut, when set, terminates the stream with a Bail out! line.
	BailOut string
}

// Format renders outcomes as TAP version 13.
func Format(outcomes []Outcome, opts FormatOptions) string {
	var sb strings.Builder
	sb.WriteString(versionPrefix + "13\n")
	planned := opts.Planned
	if planned <= 0 {
		planned = len(outcomes)
	}
	plan := fmt.Sprintf("1..%d\n", opts.PlanOffset+planned)
	if opts.PlanOffset == 0 {
		sb.WriteString(plan)
	}
	for i, o := range outcomes {
		writeOutcome(&sb, opts.PlanOffset+i+1, o)
	}
	if opts.BailOut != "" {
		sb.WriteString(bailPrefix + " " + oneLine(opts.BailOut) + "\n")
	}
	if opts.PlanOffset != 0 {
		sb.WriteString(plan)
	}
	return sb.String()
}

func writeOutcome(sb *strings.Builder, n int, o Outcome) {
	desc := escapeDescription(oneLine(o.Description))
	switch o.Status {
	case StatusFail:
		fmt.Fprintf(sb, "not ok %d %s\n", n, desc)
	case StatusSkip:
		line := fmt.Sprintf("ok %d %s # SKIP", n, desc)
		if o.Reason != "" {
			line += " " + oneLine(o.Reason)
		}
		sb.WriteString(line + "\n")
	case StatusWarn:
		fmt.Fprintf(sb, "ok %d %s %s\n", n, warnPrefix, desc)
	default:
		fmt.Fprintf(sb, "ok %d %s\n", n, desc)
	}
	if len(o.Diagnostics) > 0 {
		writeBlock(sb, o.Diagnostics)
	}
}

func writeBlock(sb *strings.Builder, diags []Diagnostic) {
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	for _, d := range diags {
		value := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: d.Value}
		if strings.Contains(d.Value, "\n") {
			value.Style = yaml.LiteralStyle
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: d.Key},
			value,
		)
	}
	out, err := yaml.Marshal(mapping)
	if err != nil {
		out = []byte(fmt.Sprintf("error: %q\n", err.Error()))
	}
	sb.WriteString("  " + yamlStart + "\n")
	for _, line := range strings.Split(strings.TrimSuffix(string(out), "\n"), "\n") {
		if line == "" {
			sb.WriteString("\n")
			continue
		}
		sb.WriteString("  " + line + "\n")
	}
	sb.WriteString("  " + yamlEnd + "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// escapeDescription keeps a description from reading as a directive, a warning marker or the
// optional "- " separator.
func escapeDescription(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "#", `\#`)
	if strings.HasPrefix(s, warnPrefix) || strings.HasPrefix(s, "- ") {
		s = `\` + s
	}
	return s
}
