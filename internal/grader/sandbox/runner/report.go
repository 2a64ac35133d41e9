package runner

import (
	"maps"
	"slices"
	"strings"

	"corrector/internal/grader/tap"
)

// Report is the outcome of a suite.
type Report struct {
	Outcomes []Outcome
	// Planned is the number of declared tests, which exceeds len(Outcomes) after a bail out.
	Planned int
	BailOut string
}

// Failures counts failed tests, counting unrun tests after a bail out as failed.
func (r *Report) Failures() int {
	n := r.Planned - len(r.Outcomes)
	for _, o := range r.Outcomes {
		if !o.Passed() {
			n++
		}
	}
	return n
}

// TimedOut reports whether the suite stopped at a deadline.
func (r *Report) TimedOut() bool {
	return r.BailOut != ""
}

// TAP renders the report. planOffset shifts numbering for sharded runs.
func (r *Report) TAP(planOffset int) string {
	outcomes := make([]tap.Outcome, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		t := tap.Outcome{Description: o.Test.Name, Status: tap.StatusPass}
		if !o.Passed() {
			t.Status = tap.StatusFail
			t.Diagnostics = diagnostics(o)
		}
		outcomes = append(outcomes, t)
	}
	return tap.Format(outcomes, tap.FormatOptions{
		PlanOffset: planOffset,
		Planned:    r.Planned,
		BailOut:    r.BailOut,
	})
}

var keyOrder = []string{KeyError, KeyTimeout, KeyExitCode, KeyStdout, KeyStderr}

func diagnostics(o Outcome) []tap.Diagnostic {
	diags := make([]tap.Diagnostic, 0, len(o.Discrepancies))
	for _, key := range keyOrder {
		if rep, ok := o.Discrepancies[key]; ok {
			diags = append(diags, tap.Diagnostic{Key: key, Value: rep.String()})
		}
	}
	for _, key := range slices.Sorted(maps.Keys(o.Discrepancies)) {
		if strings.HasPrefix(key, filePrefix) {
			diags = append(diags, tap.Diagnostic{Key: key, Value: o.Discrepancies[key].String()})
		}
	}
	return diags
}
