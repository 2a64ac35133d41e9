// Package service grades queued jobs: it gathers reference and submission files, runs them in
// the sandbox and publishes the resulting check run.
package service

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corrector/internal/common/mq"
	"corrector/internal/common/storage"
	"corrector/internal/grader/artifact"
	"corrector/internal/grader/cache"
	"corrector/internal/grader/model"
	"corrector/internal/grader/report"
	"corrector/internal/grader/sandbox"
	"corrector/internal/grader/source"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/contextkey"
	"corrector/pkg/utils/logger"
)

// Executor runs one packed artifact.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error)
}

// ReferenceResolver returns the local directory of a reference pack. The directory stays valid
// until release is called.
type ReferenceResolver interface {
	Get(ctx context.Context, ref cache.PackRef) (dir string, release func(), err error)
}

// Config holds service dependencies and settings.
type Config struct {
	Executor   Executor
	Catalog    Catalog
	Publisher  ResultPublisher
	References ReferenceResolver
	// Storage serves bucket submissions and, with LogBucket, archives TAP logs.
	Storage        storage.ObjectStorage
	LogBucket      string
	MaxFileBytes   int64
	Exclude        []string
	Compress       bool
	JobTimeout     time.Duration
	StorageTimeout time.Duration
}

// Service handles grade jobs.
type Service struct {
	executor       Executor
	catalog        Catalog
	publisher      ResultPublisher
	references     ReferenceResolver
	storage        storage.ObjectStorage
	logBucket      string
	maxFileBytes   int64
	exclude        []string
	compress       bool
	jobTimeout     time.Duration
	storageTimeout time.Duration
	now            func() time.Time
}

// NewService creates a new grading service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("result publisher is required")
	}
	if len(cfg.Catalog) == 0 {
		return nil, fmt.Errorf("check catalog is empty")
	}
	for key, check := range cfg.Catalog {
		if check.Pack != nil && cfg.References == nil {
			return nil, fmt.Errorf("check %q needs a reference cache", key)
		}
	}
	if cfg.LogBucket != "" && cfg.Storage == nil {
		return nil, fmt.Errorf("log bucket needs a storage client")
	}
	maxFile := cfg.MaxFileBytes
	if maxFile <= 0 {
		maxFile = source.DefaultMaxFileBytes
	}
	exclude := cfg.Exclude
	if exclude == nil {
		exclude = []string{".git"}
	}
	return &Service{
		executor:       cfg.Executor,
		catalog:        cfg.Catalog,
		publisher:      cfg.Publisher,
		references:     cfg.References,
		storage:        cfg.Storage,
		logBucket:      cfg.LogBucket,
		maxFileBytes:   maxFile,
		exclude:        exclude,
		compress:       cfg.Compress,
		jobTimeout:     cfg.JobTimeout,
		storageTimeout: cfg.StorageTimeout,
		now:            time.Now,
	}, nil
}

// HandleMessage processes a grade job message. Malformed payloads are dropped; only a failed
// publish is returned so the queue retries it.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	job, err := model.DecodeGradeJob(msg.Body)
	if err != nil {
		logger.Warn(ctx, "drop malformed grade job", zap.String("message_id", msg.ID), logger.Err(err))
		return nil
	}
	if job.JobID == "" {
		job.JobID = msg.ID
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	ctx = contextkey.WithJob(traceContext(ctx, msg), job.JobID, job.Check)

	result := s.Grade(ctx, job)
	if err := s.publisher.PublishResult(ctx, result); err != nil {
		logger.Error(ctx, "publish check run failed", logger.Err(err))
		return err
	}
	return nil
}

// Grade runs one job. Every failure becomes a cancelled check run carrying the error.
func (s *Service) Grade(ctx context.Context, job model.GradeJob) model.CheckRunResult {
	res := model.CheckRunResult{
		JobID: job.JobID,
		Repo:  job.Repo,
		SHA:   job.SHA,
		Check: job.Check,
	}
	start := s.now()
	check, err := s.catalog.Lookup(job.Check)
	if err == nil {
		var out sandbox.Outcome
		out, err = s.run(ctx, check, job)
		if err == nil {
			res.CheckRun = out.CheckRun
			res.Failures = out.Failures
			res.TimedOut = out.TimedOut
			res.LogKey = s.archiveLog(ctx, job, out.TAP)
		}
		res.CheckRun.Name = check.Name
	}
	if err != nil {
		logger.Warn(ctx, "grade job failed", logger.Err(err))
		name := res.CheckRun.Name
		res.CheckRun = cancelledFor(err)
		res.CheckRun.Name = name
		res.TimedOut = appErr.IsTimeout(err)
	}
	res.FinishedAt = s.now().Unix()
	logger.Info(ctx, "grade job finished",
		zap.String("conclusion", res.CheckRun.Conclusion),
		zap.String("title", res.CheckRun.Output.Title),
		zap.Duration("elapsed", s.now().Sub(start)),
	)
	return res
}

func (s *Service) run(ctx context.Context, check Check, job model.GradeJob) (sandbox.Outcome, error) {
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}
	reference, err := s.collectReference(ctx, check)
	if err != nil {
		return sandbox.Outcome{}, err
	}
	submission, err := s.collectSubmission(ctx, job.Submission)
	if err != nil {
		return sandbox.Outcome{}, err
	}
	layout := artifact.NewLayout(ctx, reference, submission)
	var buf bytes.Buffer
	if err := artifact.NewBuilder(artifact.WithCompression(s.compress)).Write(&buf, layout); err != nil {
		return sandbox.Outcome{}, err
	}
	logger.Debug(ctx, "artifact built",
		zap.Int("reference_files", len(reference)),
		zap.Int("submission_files", len(submission)),
		zap.Int("bytes", buf.Len()),
	)
	return s.executor.Execute(ctx, sandbox.Request{
		Archive:    &buf,
		Mode:       check.Mode,
		Overlay:    check.Overlay,
		Steps:      check.Steps,
		TestsFile:  check.TestsFile,
		Program:    check.Program,
		PlanOffset: job.PlanOffset,
		Timeout:    check.Timeout,
	})
}

func (s *Service) collectReference(ctx context.Context, check Check) ([]artifact.FileEntry, error) {
	dir := check.ReferenceDir
	if check.Pack != nil {
		packDir, release, err := s.references.Get(ctx, *check.Pack)
		if err != nil {
			return nil, err
		}
		defer release()
		dir = packDir
	}
	return source.NewFilesystem(dir, s.maxFileBytes, s.exclude...).Collect(ctx)
}

func (s *Service) collectSubmission(ctx context.Context, sub model.Submission) ([]artifact.FileEntry, error) {
	var sources []source.Source
	if sub.Dir != "" {
		sources = append(sources, source.NewFilesystem(sub.Dir, s.maxFileBytes, s.exclude...))
	}
	if sub.Bucket != "" {
		if s.storage == nil {
			return nil, appErr.New(appErr.SourceListFailed).WithMessage("object storage is not configured")
		}
		sources = append(sources, source.NewObjectStore(s.storage, sub.Bucket, sub.Prefix, s.maxFileBytes))
	}
	if len(sub.Files) > 0 {
		sources = append(sources, source.Static(sub.Entries()))
	}
	var entries []artifact.FileEntry
	for _, src := range sources {
		collected, err := s.collect(ctx, src)
		if err != nil {
			return nil, err
		}
		entries = append(entries, collected...)
	}
	return entries, nil
}

func (s *Service) collect(ctx context.Context, src source.Source) ([]artifact.FileEntry, error) {
	if s.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()
	}
	return src.Collect(ctx)
}

// archiveLog uploads the TAP stream; failures only lose the log.
func (s *Service) archiveLog(ctx context.Context, job model.GradeJob, text string) string {
	if s.logBucket == "" || text == "" {
		return ""
	}
	key := path.Join("logs", job.Check, job.JobID+".tap")
	if s.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()
	}
	data := []byte(text)
	if err := s.storage.PutObject(ctx, s.logBucket, key, bytes.NewReader(data), int64(len(data)), "text/plain; charset=utf-8"); err != nil {
		logger.Warn(ctx, "archive tap log failed", zap.String("key", key), logger.Err(err))
		return ""
	}
	return key
}

func cancelledFor(err error) report.CheckRun {
	if appErr.IsTimeout(err) {
		return report.Cancelled("timeout", err.Error())
	}
	return report.Cancelled(appErr.GetCode(err).Message(), err.Error())
}
