package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	appErr "corrector/pkg/errors"
)

func readArchive(t *testing.T, data []byte) map[string]*tar.Header {
	t.Helper()
	headers := make(map[string]*tar.Header)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return headers
		}
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		if _, dup := headers[hdr.Name]; dup {
			t.Fatalf("duplicate entry %s", hdr.Name)
		}
		headers[hdr.Name] = hdr
	}
}

func TestBuildExtractRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		reference := []FileEntry{
			{Path: "tests.yml", Content: []byte("tests: []\n")},
			{Path: "bin/check.sh", Content: []byte("#!/bin/sh\necho ok\n"), Mode: 0o755},
		}
		submission := []FileEntry{
			{Path: "src/main.c", Content: []byte("int main(void){return 0;}\n"), Mode: 0o600},
			{Path: "empty.txt"},
		}
		layout := NewLayout(context.Background(), reference, submission)
		data, err := NewBuilder(WithCompression(compress)).Build(layout)
		if err != nil {
			t.Fatalf("build (compress=%v): %v", compress, err)
		}

		dir := t.TempDir()
		n, err := Extract(bytes.NewReader(data), dir)
		if err != nil {
			t.Fatalf("extract (compress=%v): %v", compress, err)
		}
		if n != 4 {
			t.Fatalf("expected 4 files, got %d", n)
		}

		check := func(prefix string, entries []FileEntry) {
			for _, entry := range entries {
				full := filepath.Join(dir, prefix, filepath.FromSlash(entry.Path))
				got, err := os.ReadFile(full)
				if err != nil {
					t.Fatalf("read %s: %v", full, err)
				}
				if !bytes.Equal(got, entry.Content) {
					t.Fatalf("content mismatch for %s", entry.Path)
				}
				info, err := os.Stat(full)
				if err != nil {
					t.Fatalf("stat %s: %v", full, err)
				}
				if info.Mode().Perm() != entry.NormalizedMode() {
					t.Fatalf("mode mismatch for %s: %v vs %v", entry.Path, info.Mode().Perm(), entry.NormalizedMode())
				}
			}
		}
		check(SkelDir, reference)
		check(OrigDir, submission)
	}
}

func TestBuildUsesPrefixesAndSingleMtime(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	layout := NewLayout(context.Background(),
		[]FileEntry{{Path: "a.txt", Content: []byte("a")}},
		[]FileEntry{{Path: "a.txt", Content: []byte("b")}})
	data, err := NewBuilder(WithClock(func() time.Time { return stamp })).Build(layout)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	headers := readArchive(t, data)
	for _, name := range []string{"skel/a.txt", "orig/a.txt"} {
		hdr, ok := headers[name]
		if !ok {
			t.Fatalf("missing %s", name)
		}
		if !hdr.ModTime.Equal(stamp) {
			t.Fatalf("unexpected mtime %v", hdr.ModTime)
		}
		if hdr.Mode != 0o644 {
			t.Fatalf("default mode not applied: %o", hdr.Mode)
		}
	}
}

func TestDuplicatePathLaterWins(t *testing.T) {
	layout := NewLayout(context.Background(), nil, []FileEntry{
		{Path: "main.py", Content: []byte("old")},
		{Path: "./main.py", Content: []byte("new")},
	})
	entries := layout.Entries(OrigDir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if string(entries[0].Content) != "new" {
		t.Fatalf("later entry should win, got %q", entries[0].Content)
	}
	data, err := NewBuilder().Build(layout)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(readArchive(t, data)) != 1 {
		t.Fatalf("archive should hold one entry")
	}
}

func TestLayoutSkipsEscapingPaths(t *testing.T) {
	layout := NewLayout(context.Background(), []FileEntry{
		{Path: "../evil", Content: []byte("x")},
		{Path: "/etc/passwd", Content: []byte("x")},
		{Path: "ok/file", Content: []byte("x")},
	}, nil)
	if layout.Len() != 1 {
		t.Fatalf("expected escaping paths to be skipped, got %d entries", layout.Len())
	}
}

func TestExtractRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("pwned")
	if err := tw.WriteHeader(&tar.Header{Name: "../outside.txt", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	parent := t.TempDir()
	dst := filepath.Join(parent, "work")
	if err := os.Mkdir(dst, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err := Extract(&buf, dst)
	if !appErr.Is(err, appErr.PathEscape) {
		t.Fatalf("expected path escape error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(parent, "outside.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("escaping entry was written")
	}
}

func TestExtractRejectsGarbage(t *testing.T) {
	_, err := Extract(bytes.NewReader([]byte("definitely not a tar archive, just some bytes that are long enough to fill a header block")), t.TempDir())
	if err == nil {
		t.Fatalf("expected error for garbage input")
	}
}

func TestCleanRelPath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b/../c", want: "a/c"},
		{in: "./x", want: "x"},
		{in: `dir\file`, want: "dir/file"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "../x", wantErr: true},
		{in: "a/../../x", wantErr: true},
		{in: "/abs", wantErr: true},
	}
	for _, tc := range cases {
		got, err := CleanRelPath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("CleanRelPath(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("CleanRelPath(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
