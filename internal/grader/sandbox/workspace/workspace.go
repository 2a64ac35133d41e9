// Package workspace manages the ephemeral directory one job runs in.
package workspace

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"corrector/internal/grader/artifact"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"
)

const dirPattern = "corrector.*"

// Workspace is a uniquely named directory that is removed by Release.
type Workspace struct {
	dir      string
	released bool
}

// New creates a fresh directory under root. An empty root uses the system temp dir.
func New(root string) (*Workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create work root failed")
		}
	}
	dir, err := os.MkdirTemp(root, dirPattern)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace failed")
	}
	return &Workspace{dir: dir}, nil
}

// Unpack creates a workspace and extracts the archive into it. The workspace is released
// when extraction fails.
func Unpack(ctx context.Context, root string, archive io.Reader) (*Workspace, error) {
	ws, err := New(root)
	if err != nil {
		return nil, err
	}
	count, err := artifact.Extract(archive, ws.dir)
	if err != nil {
		ws.Release(ctx)
		return nil, err
	}
	logger.Debug(ctx, "workspace unpacked", zap.String("dir", ws.dir), zap.Int("entries", count))
	return ws, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path resolves a relative name inside the workspace.
func (w *Workspace) Path(name string) (string, error) {
	return artifact.SafeJoin(w.dir, name)
}

// Overlay copies the orig subtree and then the skel subtree into target, so reference files
// replace submission files with the same path.
func (w *Workspace) Overlay(target string) (string, error) {
	dst, err := w.Path(target)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceFailed, "create overlay dir failed")
	}
	for _, sub := range []string{artifact.OrigDir, artifact.SkelDir} {
		src := filepath.Join(w.dir, sub)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyTree(src, dst); err != nil {
			return "", appErr.Wrapf(err, appErr.WorkspaceFailed, "overlay %s failed", sub)
		}
	}
	return dst, nil
}

// Release removes the directory. It is safe to call more than once.
func (w *Workspace) Release(ctx context.Context) {
	if w == nil || w.released {
		return
	}
	w.released = true
	if err := os.RemoveAll(w.dir); err != nil {
		logger.Warn(ctx, "remove workspace failed", zap.String("dir", w.dir), logger.Err(err))
	}
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
