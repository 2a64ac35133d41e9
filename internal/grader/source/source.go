// Package source collects reference and submission file sets.
package source

import (
	"context"

	"corrector/internal/grader/artifact"
)

// DefaultMaxFileBytes caps a single collected file.
const DefaultMaxFileBytes int64 = 4 << 20

// Source yields the files of one side of a job. Unreadable files are skipped with a warning;
// only failures of the source as a whole are returned.
type Source interface {
	Collect(ctx context.Context) ([]artifact.FileEntry, error)
}

// Static is a fixed in-memory file set.
type Static []artifact.FileEntry

// Collect returns a copy of the entries.
func (s Static) Collect(ctx context.Context) ([]artifact.FileEntry, error) {
	out := make([]artifact.FileEntry, len(s))
	copy(out, s)
	return out, nil
}
