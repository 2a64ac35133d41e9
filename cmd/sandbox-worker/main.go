// Command sandbox-worker reads a job archive on stdin, runs its build pipeline and prints the
// result as TAP or as a check-run object.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"corrector/internal/grader/sandbox"
	"corrector/internal/grader/sandbox/engine"
	"corrector/internal/grader/sandbox/pipeline"
	"corrector/internal/grader/sandbox/spec"
	"corrector/internal/grader/tap"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitArchive = 2
	exitTimeout = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sandbox-worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", spec.DefaultTimeout, "Wall-clock limit for the whole pipeline")
	workRoot := fs.String("work-root", os.TempDir(), "Directory for ephemeral workspaces")
	engineKind := fs.String("engine", engine.KindLocal, "Sandbox engine: local or docker")
	stepsPath := fs.String("steps", "", "YAML file with pipeline steps (default: a single make)")
	overlay := fs.String("overlay", "", "Merge orig/ and skel/ into this directory and run there")
	checkRun := fs.Bool("checkrun", false, "Print the check-run object instead of TAP")
	logLevel := fs.String("log-level", "warn", "Log level for stderr")
	if err := fs.Parse(args); err != nil {
		return exitArchive
	}
	if err := logger.Init(logger.Config{Level: *logLevel, Format: "console", Writer: stderr}); err != nil {
		fmt.Fprintf(stderr, "sandbox-worker: init logger failed: %v\n", err)
		return exitArchive
	}

	steps, err := loadSteps(*stepsPath)
	if err != nil {
		return fail(stderr, err)
	}
	eng, err := engine.New(engine.Config{Kind: *engineKind})
	if err != nil {
		return fail(stderr, err)
	}
	if docker, ok := eng.(*engine.DockerEngine); ok {
		defer func() {
			_ = docker.Close()
		}()
		if err := docker.Prepare(ctx); err != nil {
			return fail(stderr, err)
		}
	}

	executor := sandbox.NewExecutor(sandbox.Config{WorkRoot: *workRoot, Timeout: *timeout}, eng)
	out, err := executor.Execute(ctx, sandbox.Request{
		Archive: bufio.NewReader(stdin),
		Mode:    sandbox.ModePipeline,
		Overlay: *overlay,
		Steps:   steps,
	})
	if err != nil {
		return fail(stderr, err)
	}
	if *checkRun {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(out.CheckRun)
	} else {
		_, err = io.WriteString(stdout, out.TAP)
	}
	if err != nil {
		return fail(stderr, err)
	}
	switch {
	case out.TimedOut:
		return exitTimeout
	case out.Failures > 0, out.CheckRun.Conclusion == tap.ConclusionFailure:
		return exitFailed
	default:
		return exitOK
	}
}

func loadSteps(path string) ([]pipeline.Step, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "read steps file failed")
	}
	var steps []pipeline.Step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "parse steps file failed")
	}
	if err := pipeline.Validate(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "sandbox-worker: %v\n", err)
	return appErr.GetCode(err).ExitStatus()
}
