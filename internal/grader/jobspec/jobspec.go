// Package jobspec loads declarative test suites: a list of program invocations with their
// expected output, exit status and files.
package jobspec

import (
	"bytes"
	"errors"
	"io"
	"maps"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"corrector/internal/grader/diff"
	"corrector/internal/grader/sandbox/spec"
	appErr "corrector/pkg/errors"
)

// AnyNonZero as a retcode accepts every non-zero exit status.
const AnyNonZero = -1

// Expectation is one expected output stream.
type Expectation struct {
	Value string
	Match diff.Policy
}

// TestSpec is one fully resolved test.
type TestSpec struct {
	Name    string
	Program string
	Args    []string
	// Stdin is nil when the program should read from an empty stream.
	Stdin     *string
	Retcode   int
	Stdout    Expectation
	Stderr    Expectation
	Env       map[string]string
	EnvPolicy spec.EnvPolicy
	FilesIn   map[string]string
	FilesOut  map[string]string
	Timeout   time.Duration
}

// Command returns the argv for the test: the program split like a shell would, then Args.
func (t TestSpec) Command() ([]string, error) {
	argv, err := spec.SplitCommand(t.Program)
	if err != nil {
		return nil, err
	}
	return append(argv, t.Args...), nil
}

// Job is a loaded test suite.
type Job struct {
	Tests []TestSpec
}

// Seconds decodes either a number of seconds or a Go duration string.
type Seconds time.Duration

func (s *Seconds) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return appErr.Newf(appErr.InvalidFormat, "line %d: timeout must be a scalar", node.Line)
	}
	if f, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*s = Seconds(time.Duration(f * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(node.Value)
	if err != nil {
		return appErr.Newf(appErr.InvalidFormat, "line %d: invalid timeout %q", node.Line, node.Value)
	}
	*s = Seconds(d)
	return nil
}

// testFields is the wire form of a test and of the defaults record. Pointers distinguish
// unset from zero so defaults can be layered.
type testFields struct {
	Name        *string           `yaml:"name"`
	Program     *string           `yaml:"program"`
	Args        []string          `yaml:"args"`
	Stdin       *string           `yaml:"stdin"`
	Retcode     *int              `yaml:"retcode"`
	Stdout      *string           `yaml:"stdout"`
	StdoutMatch *string           `yaml:"stdout_match"`
	Stderr      *string           `yaml:"stderr"`
	StderrMatch *string           `yaml:"stderr_match"`
	Env         map[string]string `yaml:"env"`
	EnvPolicy   *string           `yaml:"env_policy"`
	FilesIn     map[string]string `yaml:"files_in"`
	FilesOut    map[string]string `yaml:"files_out"`
	Timeout     *Seconds          `yaml:"timeout"`
}

type document struct {
	Defaults *testFields  `yaml:"defaults"`
	Tests    []testFields `yaml:"tests"`
}

// LoadFile reads a job spec, resolving includes relative to path.
func LoadFile(path string) (*Job, error) {
	resolver := &includeResolver{}
	root, err := resolver.loadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeNode(root)
}

// Parse reads a job spec from memory. Includes resolve relative to dir.
func Parse(data []byte, dir string) (*Job, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, appErr.Wrapf(err, appErr.JobSpecInvalid, "parse job spec failed")
	}
	resolver := &includeResolver{}
	if err := resolver.resolve(&root, dir); err != nil {
		return nil, err
	}
	return decodeNode(&root)
}

// decodeNode re-encodes the resolved tree so the strict decoder can reject unknown fields.
func decodeNode(root *yaml.Node) (*Job, error) {
	if root.Kind == 0 || (root.Kind == yaml.DocumentNode && len(root.Content) == 0) {
		return nil, appErr.New(appErr.JobSpecInvalid).WithMessage("job spec is empty")
	}
	data, err := yaml.Marshal(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JobSpecInvalid, "encode resolved job spec failed")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, appErr.Wrapf(err, appErr.JobSpecInvalid, "decode job spec failed")
	}
	return build(doc)
}

func build(doc document) (*Job, error) {
	var errs ValidationErrors
	if doc.Tests == nil {
		errs.Add("tests", "required")
		return nil, errs.Err()
	}
	defaults := testFields{}
	if doc.Defaults != nil {
		defaults = *doc.Defaults
		if defaults.Name != nil {
			errs.Add("defaults.name", "not allowed")
		}
	}
	job := &Job{Tests: make([]TestSpec, 0, len(doc.Tests))}
	for i, raw := range doc.Tests {
		merged := layer(defaults, raw)
		test := resolve(merged, i, &errs)
		job.Tests = append(job.Tests, test)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return job, nil
}

// layer fills unset fields of t from d. Env maps are merged with t winning.
func layer(d, t testFields) testFields {
	if t.Program == nil {
		t.Program = d.Program
	}
	if t.Args == nil {
		t.Args = d.Args
	}
	if t.Stdin == nil {
		t.Stdin = d.Stdin
	}
	if t.Retcode == nil {
		t.Retcode = d.Retcode
	}
	if t.Stdout == nil {
		t.Stdout = d.Stdout
	}
	if t.StdoutMatch == nil {
		t.StdoutMatch = d.StdoutMatch
	}
	if t.Stderr == nil {
		t.Stderr = d.Stderr
	}
	if t.StderrMatch == nil {
		t.StderrMatch = d.StderrMatch
	}
	if len(d.Env) > 0 {
		env := maps.Clone(d.Env)
		maps.Copy(env, t.Env)
		t.Env = env
	}
	if t.EnvPolicy == nil {
		t.EnvPolicy = d.EnvPolicy
	}
	if t.FilesIn == nil {
		t.FilesIn = d.FilesIn
	}
	if t.FilesOut == nil {
		t.FilesOut = d.FilesOut
	}
	if t.Timeout == nil {
		t.Timeout = d.Timeout
	}
	return t
}

// WithDefaultProgram fills tests without a program and reports tests that still lack one.
func (j *Job) WithDefaultProgram(program string) error {
	var errs ValidationErrors
	for i := range j.Tests {
		if j.Tests[i].Program == "" {
			j.Tests[i].Program = program
		}
		if strings.TrimSpace(j.Tests[i].Program) == "" {
			errs.Add(testField(i, "program"), "required (set it in the test, in defaults, or on the command line)")
			continue
		}
		if _, err := spec.SplitCommand(j.Tests[i].Program); err != nil {
			errs.Add(testField(i, "program"), err.Error())
		}
	}
	return errs.Err()
}
