// Package model holds the queue payloads exchanged with the code host integration.
package model

import (
	"encoding/json"
	"io/fs"

	"corrector/internal/grader/artifact"
	"corrector/internal/grader/report"
	appErr "corrector/pkg/errors"
)

// GradeJob is the Kafka payload asking for one check to be graded.
type GradeJob struct {
	JobID string `json:"job_id"`
	Repo  string `json:"repo"`
	SHA   string `json:"sha"`
	// Check is the catalog key, e.g. "tp1".
	Check      string     `json:"check"`
	Submission Submission `json:"submission"`
	PlanOffset int        `json:"plan_offset,omitempty"`
}

// Submission locates the student's files. Dir, the bucket listing and Files are combined;
// later sources win on duplicate paths.
type Submission struct {
	Dir    string       `json:"dir,omitempty"`
	Bucket string       `json:"bucket,omitempty"`
	Prefix string       `json:"prefix,omitempty"`
	Files  []InlineFile `json:"files,omitempty"`
}

// InlineFile is a file carried in the message itself.
type InlineFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

// Entries converts inline files to artifact entries.
func (s Submission) Entries() []artifact.FileEntry {
	out := make([]artifact.FileEntry, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, artifact.FileEntry{Path: f.Path, Content: []byte(f.Content), Mode: fs.FileMode(f.Mode)})
	}
	return out
}

// Empty reports whether the submission names no files at all.
func (s Submission) Empty() bool {
	return s.Dir == "" && s.Bucket == "" && len(s.Files) == 0
}

// DecodeGradeJob parses and validates a GradeJob payload.
func DecodeGradeJob(body []byte) (GradeJob, error) {
	var job GradeJob
	if err := json.Unmarshal(body, &job); err != nil {
		return GradeJob{}, appErr.Wrapf(err, appErr.InvalidParams, "decode grade job failed")
	}
	if job.Check == "" {
		return GradeJob{}, appErr.ValidationError("check", "required")
	}
	if job.Submission.Empty() {
		return GradeJob{}, appErr.ValidationError("submission", "required")
	}
	if job.Submission.Bucket == "" && job.Submission.Prefix != "" {
		return GradeJob{}, appErr.ValidationError("submission.bucket", "required with prefix")
	}
	return job, nil
}

// CheckRunResult is published once per graded job.
type CheckRunResult struct {
	JobID    string          `json:"job_id"`
	Repo     string          `json:"repo"`
	SHA      string          `json:"sha"`
	Check    string          `json:"check"`
	CheckRun report.CheckRun `json:"check_run"`
	// LogKey is the object key of the archived TAP stream, when uploaded.
	LogKey     string `json:"log_key,omitempty"`
	Failures   int    `json:"failures"`
	TimedOut   bool   `json:"timed_out"`
	FinishedAt int64  `json:"finished_at"`
}
