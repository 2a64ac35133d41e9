package artifact

import (
	"archive/tar"
	"bytes"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"

	appErr "corrector/pkg/errors"
)

// Builder packs a Layout into a tar stream.
type Builder struct {
	compress bool
	now      func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithCompression wraps the tar stream in zstd.
func WithCompression(enabled bool) Option {
	return func(b *Builder) { b.compress = enabled }
}

// WithClock overrides the modification time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the archive bytes for the layout. Every entry gets the same mtime.
func (b *Builder) Build(layout *Layout) ([]byte, error) {
	if layout == nil {
		return nil, appErr.ValidationError("layout", "required")
	}
	var buf bytes.Buffer
	if err := b.Write(&buf, layout); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write streams the archive for the layout into w.
func (b *Builder) Write(w io.Writer, layout *Layout) error {
	out := w
	var zw *zstd.Encoder
	if b.compress {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return appErr.Wrapf(err, appErr.ArchiveWrite, "create zstd writer failed")
		}
		zw = enc
		out = enc
	}

	mtime := b.now().Truncate(time.Second)
	tw := tar.NewWriter(out)
	for _, st := range layout.subtrees {
		for _, entry := range st.entries {
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     path.Join(st.name, entry.Path),
				Size:     int64(len(entry.Content)),
				Mode:     int64(entry.Mode.Perm()),
				ModTime:  mtime,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return appErr.Wrapf(err, appErr.ArchiveWrite, "write tar header %s failed", hdr.Name)
			}
			if _, err := tw.Write(entry.Content); err != nil {
				return appErr.Wrapf(err, appErr.ArchiveWrite, "write tar entry %s failed", hdr.Name)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveWrite, "close tar writer failed")
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return appErr.Wrapf(err, appErr.ArchiveWrite, "close zstd writer failed")
		}
	}
	return nil
}
