// Package cache keeps unpacked reference packs on local disk, shared by the workers of one host.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"corrector/internal/common/lock"
	"corrector/internal/common/storage"
	"corrector/internal/grader/artifact"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	metaFileName  = "meta.json"
	treeDirName   = "tree"
	tempFileName  = "pack.tmp"
	lockKeyPrefix = "grader:refpack:lock:"
	lockTTL       = 5 * time.Minute
)

// PackRef identifies a reference pack object. SHA256, when set, pins the content; otherwise
// the object ETag decides freshness.
type PackRef struct {
	Key    string `json:"key" yaml:"key"`
	SHA256 string `json:"sha256,omitempty" yaml:"sha256"`
}

type packMeta struct {
	Key       string    `json:"key"`
	Version   string    `json:"version"`
	FetchedAt time.Time `json:"fetched_at"`
}

type cacheEntry struct {
	key       string
	path      string
	version   string
	sizeBytes int64
	expiresAt time.Time
}

// Config holds reference cache settings.
type Config struct {
	RootDir    string        `yaml:"rootDir"`
	TTL        time.Duration `yaml:"ttl"`
	LockWait   time.Duration `yaml:"lockWait"`
	MaxEntries int           `yaml:"maxEntries"`
	MaxBytes   int64         `yaml:"maxBytes"`
	Bucket     string        `yaml:"bucket"`
}

// ReferenceCache downloads reference packs from object storage and unpacks them once.
type ReferenceCache struct {
	cfg       Config
	storage   storage.ObjectStorage
	locker    lock.Locker
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lruKeys   []string
	totalSize int64
	// pins counts the callers still reading each tree; retired trees are deleted on the last release.
	pins    map[string]int
	retired map[string]bool
}

// NewReferenceCache creates a new cache.
func NewReferenceCache(cfg Config, storageClient storage.ObjectStorage, locker lock.Locker) *ReferenceCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 64
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &ReferenceCache{
		cfg:     cfg,
		storage: storageClient,
		locker:  locker,
		entries: make(map[string]*cacheEntry),
		pins:    make(map[string]int),
		retired: make(map[string]bool),
	}
}

// Get returns the local directory holding the unpacked pack and a release func. The tree stays
// on disk, unchanged, until release is called, even if a newer version or eviction replaces it.
func (c *ReferenceCache) Get(ctx context.Context, ref PackRef) (string, func(), error) {
	if ref.Key == "" {
		return "", nil, appErr.ValidationError("pack.key", "required")
	}
	if c.storage == nil {
		return "", nil, appErr.New(appErr.CacheError).WithMessage("storage client is not initialized")
	}
	if c.cfg.RootDir == "" {
		return "", nil, appErr.New(appErr.CacheError).WithMessage("cache root is not configured")
	}
	version, err := c.resolveVersion(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	key := cacheKey(ref.Key)
	dir := filepath.Join(c.cfg.RootDir, key, versionDir(version))
	tree := filepath.Join(dir, treeDirName)

	if entry := c.pinEntry(key, version); entry != nil {
		return tree, c.releaser(entry.path), nil
	}
	if !c.checkDisk(dir, version) {
		if err := c.fetchAndExtract(ctx, ref, key, dir, version); err != nil {
			return "", nil, err
		}
		logger.Info(ctx, "reference pack cached", zap.String("key", ref.Key), zap.String("version", version))
	}
	entry := c.addEntry(key, dir, version)
	return tree, c.releaser(entry.path), nil
}

func (c *ReferenceCache) resolveVersion(ctx context.Context, ref PackRef) (string, error) {
	if ref.SHA256 != "" {
		return "sha256:" + strings.ToLower(ref.SHA256), nil
	}
	stat, err := c.storage.StatObject(ctx, c.cfg.Bucket, ref.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", appErr.Newf(appErr.ReferencePackBad, "reference pack %s does not exist", ref.Key)
	}
	if err != nil {
		return "", appErr.Wrapf(err, appErr.CacheError, "stat reference pack %s failed", ref.Key)
	}
	return "etag:" + stat.ETag, nil
}

// pinEntry returns the live entry for key at version, pinned. A live entry at another version is
// retired.
func (c *ReferenceCache) pinEntry(key, version string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if entry.version != version {
		c.removeEntryLocked(key)
		return nil
	}
	c.pins[entry.path]++
	entry.expiresAt = time.Now().Add(c.cfg.TTL)
	c.touchLocked(key)
	return entry
}

func (c *ReferenceCache) releaser(path string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.pins[path]--
			if c.pins[path] > 0 {
				return
			}
			delete(c.pins, path)
			if c.retired[path] {
				delete(c.retired, path)
				c.deleteTreeLocked(path)
			}
		})
	}
}

func (c *ReferenceCache) checkDisk(dir, version string) bool {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return false
	}
	var stored packMeta
	if err := json.Unmarshal(data, &stored); err != nil {
		return false
	}
	if stored.Version != version {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, treeDirName))
	return err == nil && info.IsDir()
}

func (c *ReferenceCache) fetchAndExtract(ctx context.Context, ref PackRef, key, dir, version string) error {
	if c.locker == nil {
		return appErr.New(appErr.CacheError).WithMessage("lock client is not initialized")
	}
	lockKey := lockKeyPrefix + key
	locked, err := c.locker.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "acquire reference pack lock failed")
	}
	if !locked {
		return c.waitForCache(ctx, dir, version)
	}
	defer func() {
		_ = c.locker.Release(context.WithoutCancel(ctx), lockKey)
	}()

	if c.checkDisk(dir, version) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "cleanup cache dir failed")
	}
	tree := filepath.Join(dir, treeDirName)
	if err := os.MkdirAll(tree, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create cache dir failed")
	}

	tempPath := filepath.Join(dir, tempFileName)
	if err := c.download(ctx, ref, tempPath); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	if err := c.locker.Refresh(ctx, lockKey, lockTTL); err != nil {
		logger.Warn(ctx, "reference pack lease lost during download", zap.String("key", ref.Key), logger.Err(err))
	}
	file, err := os.Open(tempPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "open reference pack failed")
	}
	_, err = artifact.Extract(file, tree)
	_ = file.Close()
	_ = os.Remove(tempPath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return appErr.Wrapf(err, appErr.ReferencePackBad, "unpack reference pack %s failed", ref.Key)
	}

	metaBytes, _ := json.Marshal(packMeta{Key: ref.Key, Version: version, FetchedAt: time.Now()})
	if err := os.WriteFile(filepath.Join(dir, metaFileName), metaBytes, 0o644); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write meta failed")
	}
	return nil
}

func (c *ReferenceCache) waitForCache(ctx context.Context, dir, version string) error {
	deadline := time.Now().Add(c.cfg.LockWait)
	for {
		if c.checkDisk(dir, version) {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.Timeout).WithMessage("wait for reference pack cache timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (c *ReferenceCache) download(ctx context.Context, ref PackRef, dstPath string) error {
	reader, err := c.storage.GetObject(ctx, c.cfg.Bucket, ref.Key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "download reference pack failed")
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create reference pack file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(file, io.TeeReader(reader, hasher)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write reference pack file failed")
	}
	if ref.SHA256 != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, ref.SHA256) {
			return appErr.New(appErr.ReferencePackBad).WithMessage("reference pack hash mismatch").
				WithDetail("expected", ref.SHA256).WithDetail("actual", actual)
		}
	}
	return nil
}

func (c *ReferenceCache) addEntry(key, dir, version string) *cacheEntry {
	size := dirSize(dir)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		if existing.version == version {
			// a concurrent Get for the same version won the race
			c.pins[existing.path]++
			c.touchLocked(key)
			return existing
		}
		c.removeEntryLocked(key)
	}
	entry := &cacheEntry{
		key:       key,
		path:      dir,
		version:   version,
		sizeBytes: size,
		expiresAt: time.Now().Add(c.cfg.TTL),
	}
	c.pins[dir]++
	delete(c.retired, dir)
	c.entries[key] = entry
	c.totalSize += size
	c.touchLocked(key)
	c.evictLocked()
	return entry
}

func (c *ReferenceCache) touchLocked(key string) {
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	c.lruKeys = append(c.lruKeys, key)
}

// evictLocked drops unpinned packs, least recently used first, while over a limit or idle past
// the TTL. Pinned packs are never evicted.
func (c *ReferenceCache) evictLocked() {
	now := time.Now()
	for _, key := range append([]string(nil), c.lruKeys...) {
		entry := c.entries[key]
		if c.pins[entry.path] > 0 {
			continue
		}
		overCount := c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries
		overSize := c.cfg.MaxBytes > 0 && c.totalSize > c.cfg.MaxBytes
		if !overCount && !overSize && now.Before(entry.expiresAt) {
			continue
		}
		c.removeEntryLocked(key)
	}
}

// removeEntryLocked takes key out of the index. Its tree is deleted now if unpinned, otherwise
// by the last release.
func (c *ReferenceCache) removeEntryLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	c.totalSize -= entry.sizeBytes
	if c.pins[entry.path] > 0 {
		c.retired[entry.path] = true
		return
	}
	c.deleteTreeLocked(entry.path)
}

func (c *ReferenceCache) deleteTreeLocked(path string) {
	for _, live := range c.entries {
		if live.path == path {
			return
		}
	}
	_ = os.RemoveAll(path)
}

func versionDir(version string) string {
	sum := sha256.Sum256([]byte(version))
	return hex.EncodeToString(sum[:8])
}

func cacheKey(objectKey string) string {
	sum := sha256.Sum256([]byte(objectKey))
	return hex.EncodeToString(sum[:8])
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
