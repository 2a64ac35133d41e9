// Package artifact builds and unpacks the archive handed to the sandbox.
package artifact

import (
	"context"
	"io/fs"
	"path"
	"strings"

	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// SkelDir holds the reference tests and skeleton files.
	SkelDir = "skel"
	// OrigDir holds the submission files.
	OrigDir = "orig"

	DefaultMode fs.FileMode = 0o644
)

// FileEntry is one file of a reference or submission set.
type FileEntry struct {
	Path    string
	Content []byte
	Mode    fs.FileMode
}

// NormalizedMode returns the permission bits to store, defaulting to 0644.
func (e FileEntry) NormalizedMode() fs.FileMode {
	if e.Mode.Perm() == 0 {
		return DefaultMode
	}
	return e.Mode.Perm()
}

// CleanRelPath validates a slash-separated relative path and returns its clean form.
// Absolute paths and paths escaping the root are rejected.
func CleanRelPath(p string) (string, error) {
	if p == "" {
		return "", appErr.ValidationError("path", "required")
	}
	if strings.ContainsRune(p, '\\') {
		p = strings.ReplaceAll(p, "\\", "/")
	}
	if strings.HasPrefix(p, "/") {
		return "", appErr.Newf(appErr.PathEscape, "absolute path not allowed: %s", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", appErr.Newf(appErr.PathEscape, "path escapes root: %s", p)
	}
	return clean, nil
}

type subtree struct {
	name    string
	entries []FileEntry
}

// Layout is the immutable two-subtree file set of one job.
type Layout struct {
	subtrees []subtree
}

// NewLayout validates and deduplicates both file sets. Invalid paths are skipped with a
// warning; a repeated path inside one subtree keeps the later entry.
func NewLayout(ctx context.Context, reference, submission []FileEntry) *Layout {
	return &Layout{subtrees: []subtree{
		{name: SkelDir, entries: dedupEntries(ctx, SkelDir, reference)},
		{name: OrigDir, entries: dedupEntries(ctx, OrigDir, submission)},
	}}
}

func dedupEntries(ctx context.Context, prefix string, entries []FileEntry) []FileEntry {
	out := make([]FileEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, entry := range entries {
		clean, err := CleanRelPath(entry.Path)
		if err != nil {
			logger.Warn(ctx, "skipping invalid artifact path", zap.String("subtree", prefix), zap.String("path", entry.Path), logger.Err(err))
			continue
		}
		entry.Path = clean
		entry.Mode = entry.NormalizedMode()
		if i, ok := index[clean]; ok {
			out[i] = entry
			continue
		}
		index[clean] = len(out)
		out = append(out, entry)
	}
	return out
}

// Entries returns a copy of the entries stored under the named subtree.
func (l *Layout) Entries(name string) []FileEntry {
	for _, st := range l.subtrees {
		if st.name == name {
			out := make([]FileEntry, len(st.entries))
			copy(out, st.entries)
			return out
		}
	}
	return nil
}

// Len returns the total number of files in the layout.
func (l *Layout) Len() int {
	total := 0
	for _, st := range l.subtrees {
		total += len(st.entries)
	}
	return total
}
