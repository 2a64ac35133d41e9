// Package spec defines one program invocation inside the sandbox.
package spec

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	appErr "corrector/pkg/errors"
)

// EnvPolicy decides how overrides combine with the inherited environment.
type EnvPolicy string

const (
	// EnvExtend overlays the overrides on the inherited environment.
	EnvExtend EnvPolicy = "extend"
	// EnvReplace starts from an empty environment.
	EnvReplace EnvPolicy = "replace"
)

// DefaultTimeout matches the legacy worker.
const DefaultTimeout = 120 * time.Second

// RunSpec is the unified execution specification for one invocation.
type RunSpec struct {
	// WorkDir is the host directory the program runs in.
	WorkDir   string
	Cmd       []string
	Stdin     []byte
	Env       map[string]string
	EnvPolicy EnvPolicy
	Timeout   time.Duration
	// MergeOutput interleaves stderr into stdout, as a terminal would show it.
	MergeOutput bool
}

// Validate checks the fields every engine relies on.
func (s RunSpec) Validate() error {
	if s.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if len(s.Cmd) == 0 || s.Cmd[0] == "" {
		return appErr.ValidationError("cmd", "required")
	}
	switch s.EnvPolicy {
	case "", EnvExtend, EnvReplace:
	default:
		return appErr.Newf(appErr.InvalidValue, "unsupported env policy: %s", s.EnvPolicy)
	}
	if s.Timeout < 0 {
		return appErr.ValidationError("timeout", "must not be negative")
	}
	return nil
}

// EffectiveTimeout returns Timeout or DefaultTimeout when unset.
func (s RunSpec) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// BuildEnv returns a fresh environment list for the child. base is never modified and the
// process environment is never touched. Overrides are appended in key order.
func BuildEnv(base []string, overrides map[string]string, policy EnvPolicy) []string {
	var env []string
	if policy != EnvReplace {
		env = make([]string, 0, len(base)+len(overrides))
		for _, kv := range base {
			key, _, _ := strings.Cut(kv, "=")
			if _, overridden := overrides[key]; overridden {
				continue
			}
			env = append(env, kv)
		}
	} else {
		env = make([]string, 0, len(overrides))
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

// HostEnv returns a copy of the current process environment.
func HostEnv() []string {
	return os.Environ()
}

// SplitCommand splits a shell-like command line into argv.
func SplitCommand(line string) ([]string, error) {
	if strings.TrimSpace(line) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is required")
	}
	fields, err := shlex.Split(line)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command %q failed", line)
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after parsing")
	}
	return fields, nil
}
