package artifact

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	appErr "corrector/pkg/errors"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Extract unpacks a tar stream, optionally zstd-compressed, into dstDir and returns the
// number of regular files written. Entries escaping dstDir abort the extraction.
func Extract(r io.Reader, dstDir string) (int, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return 0, appErr.Wrapf(err, appErr.ArchiveInvalid, "create zstd reader failed")
		}
		defer zr.Close()
		src = zr
	}

	root := filepath.Clean(dstDir)
	tr := tar.NewReader(src)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return files, appErr.Wrapf(err, appErr.ArchiveInvalid, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, appErr.Wrapf(err, appErr.WorkspaceFailed, "create dir failed")
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr); err != nil {
				return files, err
			}
			files++
		default:
			// links and devices are never produced by Builder
		}
	}
	return files, nil
}

func writeEntry(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "create parent dir failed")
	}
	mode := fs.FileMode(hdr.Mode).Perm()
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "create file failed")
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "write file failed")
	}
	if err := file.Close(); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "close file failed")
	}
	// umask may have stripped bits at creation
	if err := os.Chmod(target, mode); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "chmod file failed")
	}
	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

// SafeJoin resolves a slash-separated relative name under root, rejecting escapes.
func SafeJoin(root, name string) (string, error) {
	return safeJoin(filepath.Clean(root), name)
}

func safeJoin(root, name string) (string, error) {
	clean, err := CleanRelPath(name)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.PathEscape, "invalid entry path %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.PathEscape, "entry escape detected: %s", name)
	}
	return target, nil
}
