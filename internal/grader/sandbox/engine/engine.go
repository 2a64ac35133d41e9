// Package engine runs a RunSpec as a child process or container under a deadline.
package engine

import (
	"context"
	"time"

	"corrector/internal/grader/sandbox/result"
	"corrector/internal/grader/sandbox/spec"
	appErr "corrector/pkg/errors"
)

const (
	KindLocal  = "local"
	KindDocker = "docker"

	defaultOutputMaxBytes int64 = 1 << 20
	defaultWaitDelay            = 2 * time.Second
)

// Engine executes a RunSpec. A run that exceeds its deadline is not an error: it returns
// a result with TimedOut set. Errors mean the program could not be started at all.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
}

// Config controls sandbox engine behavior.
type Config struct {
	Kind           string        `yaml:"kind"`
	OutputMaxBytes int64         `yaml:"outputMaxBytes"`
	WaitDelay      time.Duration `yaml:"waitDelay"`
	Docker         DockerConfig  `yaml:"docker"`
}

func (c *Config) applyDefaults() {
	if c.Kind == "" {
		c.Kind = KindLocal
	}
	if c.OutputMaxBytes <= 0 {
		c.OutputMaxBytes = defaultOutputMaxBytes
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}
}

// New builds the engine selected by cfg.Kind.
func New(cfg Config) (Engine, error) {
	cfg.applyDefaults()
	switch cfg.Kind {
	case KindLocal:
		return NewLocalEngine(cfg), nil
	case KindDocker:
		eng, err := NewDockerEngine(cfg)
		if err != nil {
			return nil, err
		}
		return eng, nil
	default:
		return nil, appErr.Newf(appErr.ConfigInvalid, "unknown sandbox engine %q", cfg.Kind)
	}
}
