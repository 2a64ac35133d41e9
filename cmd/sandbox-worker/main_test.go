//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"corrector/internal/grader/artifact"
	"corrector/internal/grader/report"
	"corrector/internal/grader/tap"
)

func archive(t *testing.T, skel map[string]string) *bytes.Reader {
	t.Helper()
	var entries []artifact.FileEntry
	for name, content := range skel {
		entries = append(entries, artifact.FileEntry{Path: name, Content: []byte(content), Mode: 0o755})
	}
	data, err := artifact.NewBuilder(artifact.WithCompression(true)).Build(artifact.NewLayout(context.Background(), entries, nil))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return bytes.NewReader(data)
}

func stepsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steps.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestSingleStepOutputDecides(t *testing.T) {
	steps := stepsFile(t, "- name: build\n  command: sh skel/check.sh\n  hard: true\n")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"--steps", steps, "--work-root", t.TempDir(), "--checkrun"},
		archive(t, map[string]string{"check.sh": "echo compiling\necho 'All OK'\n"}), &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	var got report.CheckRun
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Conclusion != tap.ConclusionSuccess {
		t.Fatalf("unexpected check run: %+v", got)
	}
}

func TestSoftStepFailure(t *testing.T) {
	steps := stepsFile(t, "- name: compile\n  command: \"true\"\n  hard: true\n- name: tests\n  command: \"false\"\n")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--steps", steps, "--work-root", t.TempDir()},
		archive(t, map[string]string{"x": ""}), &stdout, &stderr)
	if code != exitFailed {
		t.Fatalf("expected exit 1, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "ok 2 [warn] tests") {
		t.Fatalf("unexpected TAP:\n%s", stdout.String())
	}
}

func TestTimeoutExitsThree(t *testing.T) {
	steps := stepsFile(t, "- name: hang\n  command: sleep 5\n")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--steps", steps, "--timeout", "1s", "--work-root", t.TempDir()},
		archive(t, map[string]string{"x": ""}), &stdout, &stderr)
	if code != exitTimeout {
		t.Fatalf("expected exit 3, got %d: %s", code, stderr.String())
	}
}

func TestGarbageArchiveExitsTwo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--work-root", t.TempDir()},
		strings.NewReader("this is not an archive"), &stdout, &stderr)
	if code != exitArchive {
		t.Fatalf("expected exit 2, got %d", code)
	}
}
