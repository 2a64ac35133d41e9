// Package runner executes job spec tests one program invocation at a time and compares
// what each produced with what it declared.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"

	"corrector/internal/grader/artifact"
	"corrector/internal/grader/diff"
	"corrector/internal/grader/jobspec"
	"corrector/internal/grader/sandbox/engine"
	"corrector/internal/grader/sandbox/result"
	"corrector/internal/grader/sandbox/spec"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"
)

// Discrepancy keys.
const (
	KeyExitCode = "exit code"
	KeyStdout   = "stdout"
	KeyStderr   = "stderr"
	KeyTimeout  = "timeout"
	KeyError    = "error"
	filePrefix  = "file "
)

// FileKey is the discrepancy key for an output or staged file.
func FileKey(name string) string {
	return filePrefix + name
}

type state int

const (
	stateStageFiles state = iota
	stateRun
	stateVerifyFiles
	stateDone
)

// Outcome is the result of one test. It passed iff Discrepancies is empty.
type Outcome struct {
	Test          jobspec.TestSpec
	Discrepancies map[string]diff.Report
	Result        result.RunResult
	TimedOut      bool
}

// Passed reports an empty discrepancy map.
func (o Outcome) Passed() bool {
	return len(o.Discrepancies) == 0
}

func (o *Outcome) add(key string, r diff.Report) {
	if o.Discrepancies == nil {
		o.Discrepancies = make(map[string]diff.Report)
	}
	o.Discrepancies[key] = r
}

// Options configure one suite run.
type Options struct {
	// WorkDir is where programs run and files are staged.
	WorkDir string
	// Timeout applies to tests that declare none.
	Timeout time.Duration
}

// Runner drives the per-test state machine.
type Runner struct {
	engine engine.Engine
}

func New(e engine.Engine) *Runner {
	return &Runner{engine: e}
}

// Run executes tests in order. A timeout stops the run: later tests are not executed and
// the report bails out.
func (r *Runner) Run(ctx context.Context, job *jobspec.Job, opts Options) (*Report, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = "."
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}
	report := &Report{Planned: len(job.Tests)}
	for _, test := range job.Tests {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := r.runTest(ctx, abs, test, opts.Timeout)
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.TimedOut {
			report.BailOut = fmt.Sprintf("timeout after %s in %q", effectiveTimeout(test, opts.Timeout), test.Name)
			logger.Warn(ctx, "test timed out, stopping run", zap.String("test", test.Name))
			break
		}
	}
	return report, nil
}

func effectiveTimeout(test jobspec.TestSpec, fallback time.Duration) time.Duration {
	if test.Timeout > 0 {
		return test.Timeout
	}
	return spec.RunSpec{Timeout: fallback}.EffectiveTimeout()
}

func (r *Runner) runTest(ctx context.Context, workDir string, test jobspec.TestSpec, timeout time.Duration) Outcome {
	outcome := Outcome{Test: test}
	var staged []stagedPath
	defer func() { cleanup(ctx, staged) }()

	for st := stateStageFiles; st != stateDone; {
		switch st {
		case stateStageFiles:
			paths, err := stageFiles(workDir, test, &outcome)
			staged = append(staged, paths...)
			st = stateRun
			if err != nil {
				logger.Warn(ctx, "stage test files failed", zap.String("test", test.Name), logger.Err(err))
				st = stateDone
			}
		case stateRun:
			st = stateVerifyFiles
			if !r.execute(ctx, workDir, test, timeout, &outcome) {
				st = stateDone
			}
		case stateVerifyFiles:
			verifyFiles(workDir, test, &outcome)
			st = stateDone
		}
	}
	logger.Debug(ctx, "test finished", zap.String("test", test.Name), zap.Bool("passed", outcome.Passed()))
	return outcome
}

// stagedPath is a workspace path a test wrote or cleared, with what was there before.
type stagedPath struct {
	path     string
	existed  bool
	original []byte
	mode     fs.FileMode
}

func snapshot(target string) stagedPath {
	sp := stagedPath{path: target}
	info, err := os.Lstat(target)
	if err != nil || !info.Mode().IsRegular() {
		return sp
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return sp
	}
	sp.existed, sp.original, sp.mode = true, data, info.Mode().Perm()
	return sp
}

// stageFiles writes files_in and clears stale files_out that are not also inputs. It returns
// every path it touched so cleanup can put the workspace back.
func stageFiles(workDir string, test jobspec.TestSpec, o *Outcome) ([]stagedPath, error) {
	var touched []stagedPath
	fail := func(name string, err error, synopsis string) ([]stagedPath, error) {
		o.add(FileKey(name), diff.Report{Synopsis: synopsis + ": " + err.Error()})
		return touched, appErr.Wrapf(err, appErr.StagingFailed, "%s %s", synopsis, name)
	}
	for _, name := range slices.Sorted(maps.Keys(test.FilesIn)) {
		target, err := artifact.SafeJoin(workDir, name)
		if err != nil {
			return fail(name, err, "could not stage input file")
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fail(name, err, "could not stage input file")
		}
		sp := snapshot(target)
		if err := os.WriteFile(target, []byte(test.FilesIn[name]), artifact.DefaultMode); err != nil {
			return fail(name, err, "could not stage input file")
		}
		touched = append(touched, sp)
	}
	for _, name := range slices.Sorted(maps.Keys(test.FilesOut)) {
		target, err := artifact.SafeJoin(workDir, name)
		if err != nil {
			return fail(name, err, "invalid output path")
		}
		if _, input := test.FilesIn[name]; input {
			continue
		}
		sp := snapshot(target)
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fail(name, err, "could not clear output file")
		}
		touched = append(touched, sp)
	}
	return touched, nil
}

func (r *Runner) execute(ctx context.Context, workDir string, test jobspec.TestSpec, timeout time.Duration, o *Outcome) bool {
	argv, err := test.Command()
	if err != nil {
		o.add(KeyError, diff.Report{Synopsis: err.Error()})
		return false
	}
	runSpec := spec.RunSpec{
		WorkDir:   workDir,
		Cmd:       argv,
		Env:       test.Env,
		EnvPolicy: test.EnvPolicy,
		Timeout:   effectiveTimeout(test, timeout),
	}
	if test.Stdin != nil {
		runSpec.Stdin = []byte(*test.Stdin)
	}
	res, err := r.engine.Run(ctx, runSpec)
	if err != nil {
		o.add(KeyError, diff.Report{Synopsis: err.Error()})
		return false
	}
	o.Result = res
	if res.TimedOut {
		o.TimedOut = true
		o.add(KeyTimeout, diff.Report{Synopsis: fmt.Sprintf("killed after %s", runSpec.Timeout)})
		return false
	}

	switch {
	case test.Retcode == jobspec.AnyNonZero && res.ExitCode == 0:
		o.add(KeyExitCode, diff.Report{Synopsis: "expected a non-zero exit status, got 0"})
	case test.Retcode != jobspec.AnyNonZero && res.ExitCode != test.Retcode:
		o.add(KeyExitCode, diff.Report{Synopsis: fmt.Sprintf("expected exit status %d, got %d", test.Retcode, res.ExitCode)})
	}
	if rep, found := diff.Compare(test.Stdout.Value, res.Stdout, test.Stdout.Match); found {
		o.add(KeyStdout, rep)
	}
	if rep, found := diff.Compare(test.Stderr.Value, res.Stderr, test.Stderr.Match); found {
		o.add(KeyStderr, rep)
	}
	if res.Truncated {
		logger.Warn(ctx, "program output truncated", zap.String("test", test.Name))
	}
	return true
}

func verifyFiles(workDir string, test jobspec.TestSpec, o *Outcome) {
	for _, name := range slices.Sorted(maps.Keys(test.FilesOut)) {
		target, err := artifact.SafeJoin(workDir, name)
		if err != nil {
			o.add(FileKey(name), diff.Report{Synopsis: "invalid output path: " + err.Error()})
			continue
		}
		data, err := os.ReadFile(target)
		if errors.Is(err, os.ErrNotExist) {
			o.add(FileKey(name), diff.Report{Synopsis: "file was not created"})
			continue
		}
		if err != nil {
			o.add(FileKey(name), diff.Report{Synopsis: "could not read file: " + err.Error()})
			continue
		}
		if rep, found := diff.Compare(test.FilesOut[name], string(data), diff.Literal); found {
			o.add(FileKey(name), rep)
		}
	}
}

// cleanup removes what a test left behind and restores workspace files it replaced.
func cleanup(ctx context.Context, staged []stagedPath) {
	for _, sp := range slices.Backward(staged) {
		var err error
		if sp.existed {
			err = os.WriteFile(sp.path, sp.original, sp.mode)
			if err == nil {
				err = os.Chmod(sp.path, sp.mode)
			}
		} else if err = os.Remove(sp.path); errors.Is(err, os.ErrNotExist) {
			err = nil
		}
		if err != nil {
			logger.Warn(ctx, "restore test file failed", zap.String("path", sp.path), logger.Err(err))
		}
	}
}
