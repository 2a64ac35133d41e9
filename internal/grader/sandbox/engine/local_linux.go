//go:build linux

package engine

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"corrector/internal/grader/sandbox/result"
	"corrector/internal/grader/sandbox/spec"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"
)

// LocalEngine runs programs as child processes in their own process group.
type LocalEngine struct {
	cfg Config
}

// NewLocalEngine creates a local process engine.
func NewLocalEngine(cfg Config) *LocalEngine {
	cfg.applyDefaults()
	return &LocalEngine{cfg: cfg}
}

// Run executes the program and waits for completion or the deadline.
func (e *LocalEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := runSpec.Validate(); err != nil {
		return result.RunResult{}, err
	}
	timeout := runSpec.EffectiveTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, runSpec.Cmd[0], runSpec.Cmd[1:]...)
	cmd.Dir = runSpec.WorkDir
	cmd.Env = spec.BuildEnv(spec.HostEnv(), runSpec.Env, runSpec.EnvPolicy)
	cmd.Stdin = bytes.NewReader(runSpec.Stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = e.cfg.WaitDelay

	stdout := newLimitedBuffer(e.cfg.OutputMaxBytes)
	stderr := stdout
	if !runSpec.MergeOutput {
		stderr = newLimitedBuffer(e.cfg.OutputMaxBytes)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.ExecutionFailed, "start %s failed", runSpec.Cmd[0])
	}
	waitErr := cmd.Wait()
	wall := time.Since(start)

	res := result.RunResult{
		Stdout:    stdout.String(),
		Truncated: stdout.Truncated(),
		WallTime:  wall,
	}
	if !runSpec.MergeOutput {
		res.Stderr = stderr.String()
		res.Truncated = res.Truncated || stderr.Truncated()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = result.ExitTimeout
		logger.Warn(ctx, "program timed out",
			zap.Strings("cmd", runSpec.Cmd),
			zap.Duration("timeout", timeout),
		)
		return res, nil
	}
	if ctx.Err() != nil {
		return res, appErr.Wrapf(ctx.Err(), appErr.ExecutionFailed, "run %s cancelled", runSpec.Cmd[0])
	}
	code, err := exitCodeFromErr(waitErr)
	if err != nil {
		return res, appErr.Wrapf(err, appErr.ExecutionFailed, "wait %s failed", runSpec.Cmd[0])
	}
	res.ExitCode = code
	return res, nil
}

func exitCodeFromErr(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}
	return 0, err
}

func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
