// Package result defines raw sandbox execution results.
package result

import "time"

// ExitTimeout is reported as the exit code of a killed run.
const ExitTimeout = -1

// RunResult captures raw sandbox execution data. Output is valid UTF-8; invalid bytes
// are replaced, never dropped silently.
type RunResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Truncated bool
	WallTime  time.Duration
}

// Succeeded reports a clean zero exit within the deadline.
func (r RunResult) Succeeded() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Combined returns stdout followed by stderr.
func (r RunResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" || r.Stdout[len(r.Stdout)-1] == '\n' {
		return r.Stdout + r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}
