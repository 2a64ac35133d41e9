package jobspec

import (
	"fmt"
	"os"
	"path/filepath"

	appErr "corrector/pkg/errors"
)

// Generate writes each test as NN.test, NN_in, NN_out and NN_err under dir, numbered from 01,
// for shell harnesses that compare files. It returns the paths written.
func Generate(job *Job, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create output dir failed")
	}
	var written []string
	for i, test := range job.Tests {
		stdin := ""
		if test.Stdin != nil {
			stdin = *test.Stdin
		}
		files := []struct {
			suffix string
			data   string
		}{
			{".test", test.Name},
			{"_in", stdin},
			{"_out", test.Stdout.Value},
			{"_err", test.Stderr.Value},
		}
		for _, f := range files {
			path := filepath.Join(dir, fmt.Sprintf("%02d%s", i+1, f.suffix))
			if err := os.WriteFile(path, []byte(f.data), 0o644); err != nil {
				return written, appErr.Wrapf(err, appErr.WorkspaceFailed, "write %s failed", filepath.Base(path))
			}
			written = append(written, path)
		}
	}
	return written, nil
}
