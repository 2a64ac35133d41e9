package tap

import "fmt"

// Conclusion values accepted by the check-run API.
const (
	ConclusionSuccess   = "success"
	ConclusionFailure   = "failure"
	ConclusionNeutral   = "neutral"
	ConclusionCancelled = "cancelled"
)

// Counts aggregates a parsed stream.
type Counts struct {
	OK         int
	Fail       int
	Warn       int
	Skip       int
	ExpectedOK int
}

// Count classifies every test line. A warning prefix takes precedence over SKIP, and SKIP
// over the ok/not ok status. TODO tests count by their status.
func (d *Document) Count() Counts {
	var c Counts
	for _, t := range d.Tests {
		switch {
		case t.Warn:
			c.Warn++
		case t.Skip:
			c.Skip++
		case t.OK:
			c.OK++
		default:
			c.Fail++
		}
	}
	if d.HasPlan {
		c.ExpectedOK = d.Plan - c.Skip
	} else {
		c.ExpectedOK = c.OK + c.Fail
	}
	return c
}

// CountOutcomes returns what Count would report for Format(outcomes, ...).
func CountOutcomes(outcomes []Outcome) Counts {
	var c Counts
	for _, o := range outcomes {
		switch o.Status {
		case StatusWarn:
			c.Warn++
		case StatusSkip:
			c.Skip++
		case StatusPass:
			c.OK++
		default:
			c.Fail++
		}
	}
	c.ExpectedOK = len(outcomes) - c.Skip
	return c
}

// Verdict is the check-run conclusion with its title.
type Verdict struct {
	Conclusion string
	Title      string
}

// Conclude maps counts to a verdict, first match wins.
func Conclude(c Counts) Verdict {
	switch {
	case c.OK == 0:
		return Verdict{ConclusionFailure, "Does not build"}
	case c.Fail > 0:
		return Verdict{ConclusionFailure, fmt.Sprintf("ERROR (failing: %d)", c.Fail)}
	case c.Warn > 0:
		return Verdict{ConclusionNeutral, fmt.Sprintf("Tests OK (warnings: %d)", c.Warn)}
	case c.Skip > 0:
		return Verdict{ConclusionSuccess, fmt.Sprintf("Tests OK (%d skipped)", c.Skip)}
	default:
		return Verdict{ConclusionSuccess, "Tests OK"}
	}
}

// Verdict concludes a whole document; a bail out always cancels.
func (d *Document) Verdict() Verdict {
	if d.BailedOut {
		title := "Cancelled"
		if d.BailReason != "" {
			title += ": " + d.BailReason
		}
		return Verdict{ConclusionCancelled, title}
	}
	return Conclude(d.Count())
}
