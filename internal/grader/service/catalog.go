package service

import (
	"fmt"
	"time"

	"corrector/internal/grader/cache"
	"corrector/internal/grader/sandbox"
	"corrector/internal/grader/sandbox/pipeline"
	appErr "corrector/pkg/errors"
)

// CheckConfig is one catalog entry as written in the worker config.
type CheckConfig struct {
	Name         string          `yaml:"name"`
	Mode         string          `yaml:"mode"`
	ReferenceDir string          `yaml:"referenceDir"`
	Pack         *cache.PackRef  `yaml:"pack"`
	Overlay      string          `yaml:"overlay"`
	Steps        []pipeline.Step `yaml:"steps"`
	TestsFile    string          `yaml:"testsFile"`
	Program      string          `yaml:"program"`
	Timeout      time.Duration   `yaml:"timeout"`
}

// Check is a validated catalog entry.
type Check struct {
	Key  string
	Name string
	Mode sandbox.Mode
	CheckConfig
}

// Catalog maps check keys to grading recipes.
type Catalog map[string]Check

// NewCatalog validates every entry and fills defaults.
func NewCatalog(entries map[string]CheckConfig) (Catalog, error) {
	catalog := make(Catalog, len(entries))
	for key, cfg := range entries {
		check, err := newCheck(key, cfg)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "check %q", key)
		}
		catalog[key] = check
	}
	return catalog, nil
}

func newCheck(key string, cfg CheckConfig) (Check, error) {
	mode, err := sandbox.ParseMode(cfg.Mode)
	if err != nil {
		return Check{}, err
	}
	if cfg.ReferenceDir == "" && (cfg.Pack == nil || cfg.Pack.Key == "") {
		return Check{}, appErr.ValidationError("referenceDir", "referenceDir or pack is required")
	}
	if cfg.ReferenceDir != "" && cfg.Pack != nil {
		return Check{}, appErr.ValidationError("pack", "cannot be combined with referenceDir")
	}
	if mode == sandbox.ModeTests && cfg.TestsFile == "" {
		return Check{}, appErr.ValidationError("testsFile", "required in tests mode")
	}
	if len(cfg.Steps) > 0 {
		if err := pipeline.Validate(cfg.Steps); err != nil {
			return Check{}, err
		}
	}
	if cfg.Timeout < 0 {
		return Check{}, appErr.ValidationError("timeout", "must be positive")
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("Tests %s", key)
	}
	return Check{Key: key, Name: name, Mode: mode, CheckConfig: cfg}, nil
}

// Lookup returns the check for key.
func (c Catalog) Lookup(key string) (Check, error) {
	check, ok := c[key]
	if !ok {
		return Check{}, appErr.Newf(appErr.CheckNotFound, "unknown check: %s", key)
	}
	return check, nil
}
