package source

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"corrector/internal/grader/artifact"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"

	"go.uber.org/zap"
)

// Filesystem walks a directory tree, following symbolic links into regular file copies.
type Filesystem struct {
	Root         string
	MaxFileBytes int64
	// Exclude lists base names skipped at any depth, e.g. ".git".
	Exclude []string
}

// NewFilesystem creates a filesystem source rooted at dir.
func NewFilesystem(dir string, maxFileBytes int64, exclude ...string) *Filesystem {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	return &Filesystem{Root: dir, MaxFileBytes: maxFileBytes, Exclude: exclude}
}

// Collect reads every regular file below Root.
func (f *Filesystem) Collect(ctx context.Context) ([]artifact.FileEntry, error) {
	info, err := os.Stat(f.Root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SourceListFailed, "stat source root %s failed", f.Root)
	}
	if !info.IsDir() {
		return nil, appErr.Newf(appErr.SourceListFailed, "source root %s is not a directory", f.Root)
	}
	w := &walker{
		src:     f,
		visited: make(map[string]struct{}),
		exclude: make(map[string]struct{}, len(f.Exclude)),
	}
	for _, name := range f.Exclude {
		w.exclude[name] = struct{}{}
	}
	if err := w.walk(ctx, f.Root, ""); err != nil {
		return nil, err
	}
	return w.entries, nil
}

type walker struct {
	src     *Filesystem
	entries []artifact.FileEntry
	visited map[string]struct{}
	exclude map[string]struct{}
}

func (w *walker) walk(ctx context.Context, dir, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		logger.Warn(ctx, "skipping unresolvable directory", zap.String("path", dir), logger.Err(err))
		return nil
	}
	if _, seen := w.visited[real]; seen {
		logger.Warn(ctx, "skipping symlink loop", zap.String("path", dir))
		return nil
	}
	w.visited[real] = struct{}{}
	defer delete(w.visited, real)

	items, err := os.ReadDir(dir)
	if err != nil {
		if rel == "" {
			return appErr.Wrapf(err, appErr.SourceListFailed, "read source root failed")
		}
		logger.Warn(ctx, "skipping unreadable directory", zap.String("path", dir), logger.Err(err))
		return nil
	}
	for _, item := range items {
		if _, skip := w.exclude[item.Name()]; skip {
			continue
		}
		full := filepath.Join(dir, item.Name())
		childRel := path.Join(rel, item.Name())
		// Stat follows links, so a link to a directory is walked and a link to a file is copied.
		info, err := os.Stat(full)
		if err != nil {
			logger.Warn(ctx, "skipping unreadable file", zap.String("path", full), logger.Err(err))
			continue
		}
		if info.IsDir() {
			if err := w.walk(ctx, full, childRel); err != nil {
				return err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if info.Size() > w.src.MaxFileBytes {
			logger.Warn(ctx, "skipping oversized file", zap.String("path", full), zap.Int64("size", info.Size()), zap.Int64("limit", w.src.MaxFileBytes))
			continue
		}
		content, err := os.ReadFile(full)
		if err != nil {
			logger.Warn(ctx, "skipping unreadable file", zap.String("path", full), logger.Err(err))
			continue
		}
		w.entries = append(w.entries, artifact.FileEntry{Path: childRel, Content: content, Mode: info.Mode().Perm()})
	}
	return nil
}
