package jobspec

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"corrector/internal/grader/artifact"
	"corrector/internal/grader/diff"
	"corrector/internal/grader/sandbox/spec"
	appErr "corrector/pkg/errors"
)

// FieldError is one schema violation.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Reason
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []FieldError

func (v *ValidationErrors) Add(field, reason string) {
	*v = append(*v, FieldError{Field: field, Reason: reason})
}

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fe.String()
	}
	return "invalid job spec: " + strings.Join(parts, "; ")
}

// Err returns nil when nothing was collected, or a JobSpecInvalid error wrapping the list.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return appErr.Wrap(v, appErr.JobSpecInvalid).WithDetail("fields", len(v))
}

func testField(i int, field string) string {
	return fmt.Sprintf("tests[%d].%s", i, field)
}

func resolve(f testFields, i int, errs *ValidationErrors) TestSpec {
	t := TestSpec{
		Args:    f.Args,
		Stdin:   f.Stdin,
		Env:     f.Env,
		Retcode: 0,
	}
	if f.Name == nil || strings.TrimSpace(*f.Name) == "" {
		errs.Add(testField(i, "name"), "required")
	} else {
		t.Name = *f.Name
	}
	if f.Program != nil {
		t.Program = *f.Program
	}
	if f.Retcode != nil {
		t.Retcode = *f.Retcode
		if t.Retcode < AnyNonZero || t.Retcode > 255 {
			errs.Add(testField(i, "retcode"), "must be -1 (any non-zero) or between 0 and 255")
		}
	}

	// stdout defaults to an exact empty stream; stderr is ignored unless specified
	t.Stdout = expectation(f.Stdout, f.StdoutMatch, diff.Literal, testField(i, "stdout"), errs)
	t.Stderr = expectation(f.Stderr, f.StderrMatch, diff.Ignore, testField(i, "stderr"), errs)

	t.EnvPolicy = spec.EnvExtend
	if f.EnvPolicy != nil {
		switch p := spec.EnvPolicy(strings.ToLower(*f.EnvPolicy)); p {
		case spec.EnvExtend, spec.EnvReplace:
			t.EnvPolicy = p
		default:
			errs.Add(testField(i, "env_policy"), "must be extend or replace")
		}
	}
	t.FilesIn = cleanFiles(f.FilesIn, testField(i, "files_in"), errs)
	t.FilesOut = cleanFiles(f.FilesOut, testField(i, "files_out"), errs)
	if f.Timeout != nil {
		t.Timeout = time.Duration(*f.Timeout)
		if t.Timeout <= 0 {
			errs.Add(testField(i, "timeout"), "must be positive")
		}
	}
	return t
}

func expectation(value, match *string, fallback diff.Policy, field string, errs *ValidationErrors) Expectation {
	e := Expectation{Match: fallback}
	if value != nil {
		e.Value = *value
		e.Match = diff.Literal
	}
	if match != nil {
		policy, err := diff.ParsePolicy(*match)
		if err != nil {
			errs.Add(field+"_match", err.Error())
			return e
		}
		e.Match = policy
	}
	if e.Match == diff.Regex {
		if value == nil {
			errs.Add(field, "required when matching by regex")
		} else if _, err := diff.CompilePattern(e.Value); err != nil {
			errs.Add(field, err.Error())
		}
	}
	return e
}

func cleanFiles(files map[string]string, field string, errs *ValidationErrors) map[string]string {
	if len(files) == 0 {
		return nil
	}
	out := make(map[string]string, len(files))
	for _, name := range slices.Sorted(maps.Keys(files)) {
		content := files[name]
		clean, err := artifact.CleanRelPath(name)
		if err != nil {
			errs.Add(fmt.Sprintf("%s[%q]", field, name), "path must be relative and stay inside the work dir")
			continue
		}
		out[clean] = content
	}
	return out
}
