// Package pipeline runs a fixed sequence of build steps in one workspace.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"corrector/internal/grader/artifact"
	"corrector/internal/grader/sandbox/engine"
	"corrector/internal/grader/sandbox/spec"
	"corrector/internal/grader/tap"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"
)

// Step is one named command. A failing hard step aborts the remaining steps.
type Step struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Hard    bool              `yaml:"hard"`
	Env     map[string]string `yaml:"env"`
}

// DefaultSteps is the legacy worker behavior: run make in the workspace root.
func DefaultSteps() []Step {
	return []Step{{Name: "make", Command: "make", Hard: true}}
}

// Validate checks step definitions once at load time.
func Validate(steps []Step) error {
	if len(steps) == 0 {
		return appErr.ValidationError("steps", "at least one step is required")
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		field := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			return appErr.ValidationError(field+".name", "required")
		}
		if seen[s.Name] {
			return appErr.ValidationError(field+".name", "duplicate step "+s.Name)
		}
		seen[s.Name] = true
		if _, err := spec.SplitCommand(s.Command); err != nil {
			return appErr.ValidationError(field+".command", err.Error())
		}
		if s.Dir != "" {
			if _, err := artifact.CleanRelPath(s.Dir); err != nil {
				return appErr.ValidationError(field+".dir", "must be relative to the workspace")
			}
		}
	}
	return nil
}

// StepResult records one step. Ran is false for steps skipped after a hard failure
// or a timeout.
type StepResult struct {
	Step     Step
	Ran      bool
	Success  bool
	ExitCode int
	TimedOut bool
	Log      string
	WallTime time.Duration
}

// Result is the outcome of the whole pipeline.
type Result struct {
	Steps    []StepResult
	Rejected bool
	TimedOut bool
	Timeout  time.Duration
}

// Succeeded reports that every step ran and passed.
func (r Result) Succeeded() bool {
	if r.Rejected || r.TimedOut {
		return false
	}
	for _, s := range r.Steps {
		if !s.Success {
			return false
		}
	}
	return true
}

// Log concatenates the logs of the steps that ran.
func (r Result) Log() string {
	var sb strings.Builder
	for _, s := range r.Steps {
		if s.Ran {
			sb.WriteString(s.Log)
		}
	}
	return sb.String()
}

// Runner executes pipelines through an engine.
type Runner struct {
	engine engine.Engine
}

func NewRunner(e engine.Engine) *Runner {
	return &Runner{engine: e}
}

// Run executes steps in workDir under one deadline shared by all steps.
func (r *Runner) Run(ctx context.Context, workDir string, steps []Step, timeout time.Duration) (Result, error) {
	if err := Validate(steps); err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = spec.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	res := Result{Steps: make([]StepResult, len(steps)), Timeout: timeout}
	for i, step := range steps {
		res.Steps[i] = StepResult{Step: step}
	}

	for i, step := range steps {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			res.TimedOut = true
			break
		}
		dir := workDir
		if step.Dir != "" {
			var err error
			if dir, err = artifact.SafeJoin(workDir, step.Dir); err != nil {
				return res, err
			}
		}
		argv, _ := spec.SplitCommand(step.Command)
		run, err := r.engine.Run(ctx, spec.RunSpec{
			WorkDir:     dir,
			Cmd:         argv,
			Env:         step.Env,
			Timeout:     remaining,
			MergeOutput: true,
		})
		sr := &res.Steps[i]
		sr.Ran = true
		if err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			// a step that cannot start is a failed step
			sr.Log = err.Error() + "\n"
			sr.ExitCode = -1
			logger.Warn(ctx, "pipeline step failed to start", zap.String("step", step.Name), logger.Err(err))
		} else {
			sr.Log = run.Stdout
			sr.ExitCode = run.ExitCode
			sr.TimedOut = run.TimedOut
			sr.Success = run.Succeeded()
			sr.WallTime = run.WallTime
		}
		logger.Info(ctx, "pipeline step finished",
			zap.String("step", step.Name),
			zap.Bool("success", sr.Success),
			zap.Int("exit_code", sr.ExitCode),
			zap.Duration("wall", sr.WallTime),
		)
		if sr.TimedOut {
			res.TimedOut = true
			break
		}
		if !sr.Success && step.Hard {
			res.Rejected = true
			break
		}
	}
	return res, nil
}

// TAP renders the steps as a test stream: a failed hard step is not ok, a failed soft
// step is a warning, unrun steps are skipped. A timeout bails out.
func (r Result) TAP(opts tap.FormatOptions) string {
	outcomes := make([]tap.Outcome, 0, len(r.Steps))
	for _, s := range r.Steps {
		o := tap.Outcome{Description: s.Step.Name}
		switch {
		case !s.Ran:
			o.Status = tap.StatusSkip
			o.Reason = "not run"
		case s.Success:
			o.Status = tap.StatusPass
		case s.Step.Hard || s.TimedOut:
			o.Status = tap.StatusFail
		default:
			o.Status = tap.StatusWarn
		}
		if s.Ran && !s.Success {
			o.Diagnostics = stepDiagnostics(s)
		}
		outcomes = append(outcomes, o)
	}
	if r.TimedOut && opts.BailOut == "" {
		opts.BailOut = fmt.Sprintf("timeout after %s", r.Timeout)
	}
	return tap.Format(outcomes, opts)
}

func stepDiagnostics(s StepResult) []tap.Diagnostic {
	diags := []tap.Diagnostic{{Key: "exit code", Value: fmt.Sprintf("%d", s.ExitCode)}}
	if s.TimedOut {
		diags[0] = tap.Diagnostic{Key: "timeout", Value: "step was killed at the deadline"}
	}
	if log := strings.TrimRight(s.Log, "\n"); log != "" {
		diags = append(diags, tap.Diagnostic{Key: "_log", Value: log})
	}
	return diags
}
