// Package sandbox unpacks a job artifact into an ephemeral workspace and grades it either
// with a build pipeline or with a declarative test suite.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"corrector/internal/grader/jobspec"
	"corrector/internal/grader/report"
	"corrector/internal/grader/sandbox/engine"
	"corrector/internal/grader/sandbox/pipeline"
	"corrector/internal/grader/sandbox/runner"
	"corrector/internal/grader/sandbox/spec"
	"corrector/internal/grader/sandbox/workspace"
	"corrector/internal/grader/tap"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"
)

// Mode selects how a workspace is graded.
type Mode string

const (
	ModePipeline Mode = "pipeline"
	ModeTests    Mode = "tests"
)

// ParseMode accepts the configured mode name; empty means pipeline.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePipeline:
		return ModePipeline, nil
	case ModeTests:
		return ModeTests, nil
	default:
		return "", appErr.Newf(appErr.UnsupportedMode, "unsupported grading mode: %s", s)
	}
}

// Config is shared by every job an executor runs.
type Config struct {
	WorkRoot string        `yaml:"workRoot"`
	Timeout  time.Duration `yaml:"timeout"`
	Engine   engine.Config `yaml:"engine"`
}

// Request describes one job.
type Request struct {
	Archive io.Reader
	Mode    Mode
	// Overlay, when set, merges orig/ then skel/ into this directory and runs there.
	Overlay string
	Steps   []pipeline.Step
	// TestsFile is the job spec path inside the workspace, for ModeTests.
	TestsFile  string
	Program    string
	PlanOffset int
	Timeout    time.Duration
}

// Outcome is what a graded job produced.
type Outcome struct {
	TAP      string
	CheckRun report.CheckRun
	TimedOut bool
	Failures int
}

// Executor grades artifacts.
type Executor struct {
	cfg      Config
	pipeline *pipeline.Runner
	tests    *runner.Runner
}

// NewExecutor creates an executor that runs programs through e.
func NewExecutor(cfg Config, e engine.Engine) *Executor {
	return &Executor{
		cfg:      cfg,
		pipeline: pipeline.NewRunner(e),
		tests:    runner.New(e),
	}
}

// Execute unpacks the artifact, grades it, and always removes the workspace.
func (x *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	ws, err := workspace.Unpack(ctx, x.cfg.WorkRoot, req.Archive)
	if err != nil {
		return Outcome{}, err
	}
	defer ws.Release(ctx)

	dir := ws.Dir()
	if req.Overlay != "" {
		if dir, err = ws.Overlay(req.Overlay); err != nil {
			return Outcome{}, err
		}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = x.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = spec.DefaultTimeout
	}

	switch req.Mode {
	case ModeTests:
		return x.runTests(ctx, ws, dir, req, timeout)
	case ModePipeline, "":
		return x.runPipeline(ctx, dir, req, timeout)
	default:
		return Outcome{}, appErr.Newf(appErr.UnsupportedMode, "unsupported grading mode: %s", req.Mode)
	}
}

func (x *Executor) runPipeline(ctx context.Context, dir string, req Request, timeout time.Duration) (Outcome, error) {
	steps := req.Steps
	if len(steps) == 0 {
		steps = pipeline.DefaultSteps()
	}
	res, err := x.pipeline.Run(ctx, dir, steps, timeout)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{TimedOut: res.TimedOut}
	if len(steps) == 1 {
		// a lone build step prints the report itself
		log := res.Log()
		out.TAP = log
		if res.TimedOut {
			out.CheckRun = report.Cancelled(fmt.Sprintf("timeout after %s", timeout), log)
		} else {
			out.CheckRun = report.FromOutput(log)
		}
	} else {
		out.TAP = res.TAP(tap.FormatOptions{PlanOffset: req.PlanOffset})
		out.CheckRun = report.FromTAP(out.TAP)
	}
	if !res.Succeeded() {
		out.Failures = 1
	}
	logger.Info(ctx, "pipeline graded",
		zap.String("conclusion", out.CheckRun.Conclusion),
		zap.Bool("timed_out", res.TimedOut),
	)
	return out, nil
}

func (x *Executor) runTests(ctx context.Context, ws *workspace.Workspace, dir string, req Request, timeout time.Duration) (Outcome, error) {
	if req.TestsFile == "" {
		return Outcome{}, appErr.ValidationError("tests_file", "required in tests mode")
	}
	path, err := ws.Path(req.TestsFile)
	if err != nil {
		return Outcome{}, err
	}
	job, err := jobspec.LoadFile(path)
	if err != nil {
		return Outcome{}, err
	}
	if err := job.WithDefaultProgram(req.Program); err != nil {
		return Outcome{}, err
	}
	rep, err := x.tests.Run(ctx, job, runner.Options{WorkDir: dir, Timeout: timeout})
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		TAP:      rep.TAP(req.PlanOffset),
		TimedOut: rep.TimedOut(),
		Failures: rep.Failures(),
	}
	out.CheckRun = report.FromTAP(out.TAP)
	logger.Info(ctx, "test suite graded",
		zap.Int("tests", len(job.Tests)),
		zap.Int("failures", out.Failures),
		zap.String("conclusion", out.CheckRun.Conclusion),
	)
	return out, nil
}
