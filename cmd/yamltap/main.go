// Command yamltap runs a YAML test suite against a program and prints the results as TAP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"corrector/internal/grader/jobspec"
	"corrector/internal/grader/report"
	"corrector/internal/grader/sandbox/engine"
	"corrector/internal/grader/sandbox/runner"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"
)

const (
	formatTAP      = "tap"
	formatCheckRun = "checkrun"

	// exit statuses above this are reserved by shells
	maxExitFailures = 125
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("yamltap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	outFormat := fs.String("out-format", formatTAP, "Output format: tap or checkrun")
	planOffset := fs.Int("plan-offset", 0, "Number the tests starting after this offset")
	genOnly := fs.Bool("gen-only", false, "Only write NN.test, NN_in, NN_out and NN_err files")
	timeout := fs.Duration("timeout", 0, "Timeout for tests that declare none (e.g. 10s)")
	engineKind := fs.String("engine", engine.KindLocal, "Sandbox engine: local or docker")
	logLevel := fs.String("log-level", "warn", "Log level for stderr")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: yamltap [flags] <tests.yml> [program]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return 2
	}
	if *outFormat != formatTAP && *outFormat != formatCheckRun {
		fmt.Fprintf(stderr, "yamltap: unknown output format %q\n", *outFormat)
		return 2
	}
	if *planOffset < 0 {
		fmt.Fprintf(stderr, "yamltap: plan offset must not be negative\n")
		return 2
	}
	if err := logger.Init(logger.Config{Level: *logLevel, Format: "console", Writer: stderr}); err != nil {
		fmt.Fprintf(stderr, "yamltap: init logger failed: %v\n", err)
		return 2
	}

	testsPath := fs.Arg(0)
	job, err := jobspec.LoadFile(testsPath)
	if err != nil {
		return fail(stderr, err)
	}
	if *genOnly {
		if _, err := jobspec.Generate(job, "."); err != nil {
			return fail(stderr, err)
		}
		return 0
	}
	if err := job.WithDefaultProgram(fs.Arg(1)); err != nil {
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
	workDir, err := os.Getwd()
	if err != nil {
		return fail(stderr, err)
	}
	rep, err := runner.New(eng).Run(ctx, job, runner.Options{WorkDir: workDir, Timeout: *timeout})
	if err != nil {
		return fail(stderr, err)
	}
	text := rep.TAP(*planOffset)
	if err := write(stdout, *outFormat, text); err != nil {
		return fail(stderr, err)
	}
	return min(rep.Failures(), maxExitFailures)
}

func write(w io.Writer, format, text string) error {
	if format == formatTAP {
		_, err := io.WriteString(w, text)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report.FromTAP(text))
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "yamltap: %v\n", err)
	return appErr.GetCode(err).ExitStatus()
}

