package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"corrector/internal/common/storage"
	"corrector/internal/grader/artifact"
)

func writeFile(t *testing.T, path string, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod: %v", err)
	}
}

func byPath(entries []artifact.FileEntry) map[string]artifact.FileEntry {
	out := make(map[string]artifact.FileEntry, len(entries))
	for _, e := range entries {
		out[e.Path] = e
	}
	return out
}

func TestFilesystemFollowsLinksAndSkipsOversized(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(root, "tests.yml"), "tests: []\n", 0o644)
	writeFile(t, filepath.Join(root, "bin", "run.sh"), "#!/bin/sh\n", 0o755)
	writeFile(t, filepath.Join(root, "big.bin"), "0123456789abcdef", 0o644)
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref\n", 0o644)
	writeFile(t, filepath.Join(outside, "shared", "lib.h"), "#pragma once\n", 0o644)
	if err := os.Symlink(filepath.Join(outside, "shared"), filepath.Join(root, "shared")); err != nil {
		t.Fatalf("symlink dir: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "tests.yml"), filepath.Join(root, "alias.yml")); err != nil {
		t.Fatalf("symlink file: %v", err)
	}

	entries, err := NewFilesystem(root, 15, ".git").Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := byPath(entries)
	var names []string
	for name := range got {
		names = append(names, name)
	}
	sort.Strings(names)
	want := []string{"alias.yml", "bin/run.sh", "shared/lib.h", "tests.yml"}
	if len(names) != len(want) {
		t.Fatalf("unexpected files %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected files %v", names)
		}
	}
	if got["bin/run.sh"].Mode != 0o755 {
		t.Fatalf("mode not preserved: %v", got["bin/run.sh"].Mode)
	}
	if string(got["alias.yml"].Content) != "tests: []\n" {
		t.Fatalf("link should be dereferenced into a copy")
	}
}

func TestFilesystemSurvivesSymlinkLoop(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "x.txt"), "x", 0o644)
	if err := os.Symlink(root, filepath.Join(root, "a", "loop")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	entries, err := NewFilesystem(root, 0).Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "a/x.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestFilesystemMissingRoot(t *testing.T) {
	if _, err := NewFilesystem(filepath.Join(t.TempDir(), "nope"), 0).Collect(context.Background()); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

type fakeStorage struct {
	objects map[string][]byte
	broken  map[string]bool
	listErr error
}

func (f *fakeStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	if f.broken[key] {
		return nil, errors.New("boom")
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectStat{}, errors.New("not found")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	out := make(chan storage.ObjectInfo, len(f.objects)+1)
	if f.listErr != nil {
		out <- storage.ObjectInfo{Err: f.listErr}
	}
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out <- storage.ObjectInfo{Key: key, SizeBytes: int64(len(f.objects[key]))}
		}
	}
	close(out)
	return out
}

func TestObjectStoreCollect(t *testing.T) {
	store := &fakeStorage{
		objects: map[string][]byte{
			"subs/42/main.py":     []byte("print('hi')\n"),
			"subs/42/lib/util.py": []byte("x = 1\n"),
			"subs/42/huge.dat":    bytes.Repeat([]byte("a"), 64),
			"subs/42/broken.txt":  []byte("?"),
			"subs/43/other.py":    []byte("nope"),
			"subs/42/emptydir/":   nil,
		},
		broken: map[string]bool{"subs/42/broken.txt": true},
	}
	entries, err := NewObjectStore(store, "bucket", "subs/42", 32).Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := byPath(entries)
	if len(got) != 2 {
		t.Fatalf("unexpected entries: %v", entries)
	}
	if string(got["main.py"].Content) != "print('hi')\n" {
		t.Fatalf("main.py content mismatch")
	}
	if _, ok := got["lib/util.py"]; !ok {
		t.Fatalf("nested key missing")
	}
}

func TestObjectStoreListError(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{}, listErr: errors.New("unreachable")}
	if _, err := NewObjectStore(store, "bucket", "subs/1", 0).Collect(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
}

func TestStaticCollectCopies(t *testing.T) {
	s := Static{{Path: "a", Content: []byte("1")}}
	entries, _ := s.Collect(context.Background())
	entries[0].Path = "b"
	if s[0].Path != "a" {
		t.Fatalf("static source mutated through result")
	}
}
