package cache

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"corrector/internal/common/lock"
	"corrector/internal/common/storage"
	appErr "corrector/pkg/errors"
)

type fakeStorage struct {
	objects map[string][]byte
	etags   map[string]string
	gets    int
}

func (f *fakeStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	f.gets++
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	return errors.New("read only")
}

func (f *fakeStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectStat{}, storage.ErrNotFound
	}
	return storage.ObjectStat{SizeBytes: int64(len(data)), ETag: f.etags[key]}, nil
}

func (f *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	out := make(chan storage.ObjectInfo)
	close(out)
	return out
}

func buildPack(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

func newLock(t *testing.T) *lock.RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	return lock.NewRedisLockerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestReferenceCacheDownloadsOnce(t *testing.T) {
	pack := buildPack(t, map[string]string{"tests.yml": "tests: []\n", "skel/main.h": "#pragma once\n"})
	sum := sha256.Sum256(pack)
	store := &fakeStorage{objects: map[string][]byte{"packs/algo2.tar.zst": pack}}
	root := t.TempDir()
	c := NewReferenceCache(Config{RootDir: root, Bucket: "refs"}, store, newLock(t))
	ref := PackRef{Key: "packs/algo2.tar.zst", SHA256: hex.EncodeToString(sum[:])}

	dir, release, err := c.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer release()
	if got := readFile(t, filepath.Join(dir, "tests.yml")); got != "tests: []\n" {
		t.Fatalf("unexpected tests.yml: %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); !os.IsNotExist(err) {
		t.Fatalf("meta file must live outside the tree")
	}

	again, releaseAgain, err := c.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	releaseAgain()
	if again != dir || store.gets != 1 {
		t.Fatalf("expected cache hit, dir=%s gets=%d", again, store.gets)
	}

	// a fresh instance over the same root reuses the unpacked tree
	other := NewReferenceCache(Config{RootDir: root, Bucket: "refs"}, store, newLock(t))
	otherDir, releaseOther, err := other.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("disk hit: %v", err)
	}
	releaseOther()
	if otherDir != dir || store.gets != 1 {
		t.Fatalf("disk hit should not download, dir=%s gets=%d", otherDir, store.gets)
	}
}

func TestReferenceCacheRejectsHashMismatch(t *testing.T) {
	pack := buildPack(t, map[string]string{"a": "b"})
	store := &fakeStorage{objects: map[string][]byte{"p.tar.zst": pack}}
	root := t.TempDir()
	c := NewReferenceCache(Config{RootDir: root}, store, newLock(t))
	_, _, err := c.Get(context.Background(), PackRef{Key: "p.tar.zst", SHA256: "deadbeef"})
	if !appErr.Is(err, appErr.ReferencePackBad) {
		t.Fatalf("expected reference pack error, got %v", err)
	}
	versionPath := filepath.Join(root, cacheKey("p.tar.zst"), versionDir("sha256:deadbeef"))
	if _, statErr := os.Stat(versionPath); !os.IsNotExist(statErr) {
		t.Fatalf("failed download should leave no cache dir")
	}
}

func TestReferenceCacheRefreshesOnETagChange(t *testing.T) {
	store := &fakeStorage{
		objects: map[string][]byte{"p": buildPack(t, map[string]string{"v": "1"})},
		etags:   map[string]string{"p": "etag-1"},
	}
	c := NewReferenceCache(Config{RootDir: t.TempDir()}, store, newLock(t))
	oldDir, releaseOld, err := c.Get(context.Background(), PackRef{Key: "p"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	store.objects["p"] = buildPack(t, map[string]string{"v": "2"})
	store.etags["p"] = "etag-2"
	newDir, releaseNew, err := c.Get(context.Background(), PackRef{Key: "p"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	defer releaseNew()
	if newDir == oldDir {
		t.Fatalf("new version must not reuse the directory of a pinned version")
	}
	if got := readFile(t, filepath.Join(newDir, "v")); got != "2" || store.gets != 2 {
		t.Fatalf("expected refreshed content, got %q gets=%d", got, store.gets)
	}
	// the job holding the old version still reads what it started with
	if got := readFile(t, filepath.Join(oldDir, "v")); got != "1" {
		t.Fatalf("pinned tree changed under its reader: %q", got)
	}

	releaseOld()
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("retired version should be removed once released")
	}
	if got := readFile(t, filepath.Join(newDir, "v")); got != "2" {
		t.Fatalf("current version lost: %q", got)
	}
}

func TestReferenceCacheEvictsLeastRecentlyUsed(t *testing.T) {
	store := &fakeStorage{
		objects: map[string][]byte{
			"a": buildPack(t, map[string]string{"f": "a"}),
			"b": buildPack(t, map[string]string{"f": "b"}),
		},
		etags: map[string]string{"a": "1", "b": "1"},
	}
	c := NewReferenceCache(Config{RootDir: t.TempDir(), MaxEntries: 1}, store, newLock(t))
	dirA, releaseA, err := c.Get(context.Background(), PackRef{Key: "a"})
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	releaseA()
	dirB, releaseB, err := c.Get(context.Background(), PackRef{Key: "b"})
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	releaseB()
	if _, err := os.Stat(dirA); !os.IsNotExist(err) {
		t.Fatalf("expected pack a to be evicted")
	}
	if got := readFile(t, filepath.Join(dirB, "f")); got != "b" {
		t.Fatalf("pack b lost: %q", got)
	}
}

func TestReferenceCacheKeepsPinnedPackOverLimit(t *testing.T) {
	store := &fakeStorage{
		objects: map[string][]byte{
			"a": buildPack(t, map[string]string{"tests.yml": "a"}),
			"b": buildPack(t, map[string]string{"tests.yml": "b"}),
			"c": buildPack(t, map[string]string{"tests.yml": "c"}),
		},
		etags: map[string]string{"a": "1", "b": "1", "c": "1"},
	}
	c := NewReferenceCache(Config{RootDir: t.TempDir(), MaxEntries: 1}, store, newLock(t))
	dirA, releaseA, err := c.Get(context.Background(), PackRef{Key: "a"})
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	dirB, releaseB, err := c.Get(context.Background(), PackRef{Key: "b"})
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if got := readFile(t, filepath.Join(dirA, "tests.yml")); got != "a" {
		t.Fatalf("pinned pack a evicted under its reader: %q", got)
	}
	if got := readFile(t, filepath.Join(dirB, "tests.yml")); got != "b" {
		t.Fatalf("pack b: %q", got)
	}
	releaseA()
	releaseA()
	releaseB()

	// the next insert trims back to the limit now that nothing is pinned
	dirC, releaseC, err := c.Get(context.Background(), PackRef{Key: "c"})
	if err != nil {
		t.Fatalf("get c: %v", err)
	}
	defer releaseC()
	for _, dir := range []string{dirA, dirB} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be evicted once released", dir)
		}
	}
	if got := readFile(t, filepath.Join(dirC, "tests.yml")); got != "c" {
		t.Fatalf("pack c: %q", got)
	}
}

func TestReferenceCacheRequiresKey(t *testing.T) {
	c := NewReferenceCache(Config{RootDir: t.TempDir()}, &fakeStorage{}, newLock(t))
	if _, _, err := c.Get(context.Background(), PackRef{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestReferenceCacheMissingPack(t *testing.T) {
	c := NewReferenceCache(Config{RootDir: t.TempDir()}, &fakeStorage{}, newLock(t))
	_, _, err := c.Get(context.Background(), PackRef{Key: "packs/gone.tar.zst"})
	if !appErr.Is(err, appErr.ReferencePackBad) {
		t.Fatalf("expected reference pack error, got %v", err)
	}
}
