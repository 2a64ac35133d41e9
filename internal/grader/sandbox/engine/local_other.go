//go:build !linux

package engine

import (
	"context"

	"corrector/internal/grader/sandbox/result"
	"corrector/internal/grader/sandbox/spec"
	appErr "corrector/pkg/errors"
)

// LocalEngine is unavailable on non-linux platforms.
type LocalEngine struct {
	cfg Config
}

// NewLocalEngine creates a local engine stub.
func NewLocalEngine(cfg Config) *LocalEngine {
	return &LocalEngine{cfg: cfg}
}

// Run returns an error on non-linux platforms.
func (e *LocalEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, appErr.New(appErr.EngineError).WithMessage("local sandbox engine is only supported on linux")
}
