package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"corrector/internal/common/mq"
	"corrector/internal/common/storage"
	"corrector/internal/grader/cache"
	"corrector/internal/grader/model"
	"corrector/internal/grader/sandbox"
	"corrector/internal/grader/sandbox/result"
	"corrector/internal/grader/sandbox/spec"
	"corrector/internal/grader/tap"
	appErr "corrector/pkg/errors"
)

// fakeEngine prints fixed output and records which files the program could see.
type fakeEngine struct {
	stdout string
	files  []string
}

func (f *fakeEngine) Run(ctx context.Context, rs spec.RunSpec) (result.RunResult, error) {
	_ = filepath.WalkDir(rs.WorkDir, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(rs.WorkDir, p)
			f.files = append(f.files, filepath.ToSlash(rel))
		}
		return nil
	})
	return result.RunResult{Stdout: f.stdout}, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	results []model.CheckRunResult
	err     error
}

func (p *fakePublisher) PublishResult(ctx context.Context, r model.CheckRunResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.results = append(p.results, r)
	return nil
}

type fakeStorage struct {
	objects map[string][]byte
	puts    map[string][]byte
}

func (f *fakeStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[bucket+"/"+key] = data
	return nil
}

func (f *fakeStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectStat{}, errors.New("not found")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make(chan storage.ObjectInfo, len(keys))
	for _, k := range keys {
		out <- storage.ObjectInfo{Key: k, SizeBytes: int64(len(f.objects[k]))}
	}
	close(out)
	return out
}

type fixture struct {
	svc       *Service
	engine    *fakeEngine
	publisher *fakePublisher
	storage   *fakeStorage
}

func newFixture(t *testing.T, stdout string, checks map[string]CheckConfig) *fixture {
	t.Helper()
	catalog, err := NewCatalog(checks)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f := &fixture{
		engine:    &fakeEngine{stdout: stdout},
		publisher: &fakePublisher{},
		storage:   &fakeStorage{objects: map[string][]byte{}},
	}
	f.svc, err = NewService(Config{
		Executor:  sandbox.NewExecutor(sandbox.Config{WorkRoot: t.TempDir()}, f.engine),
		Catalog:   catalog,
		Publisher: f.publisher,
		Storage:   f.storage,
		LogBucket: "logs",
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return f
}

func referenceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func message(t *testing.T, job model.GradeJob) *mq.Message {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return mq.NewMessage(body)
}

func TestHandleMessagePublishesCheckRun(t *testing.T) {
	f := newFixture(t, "TAP version 13\n1..1\nok 1 builds\n", map[string]CheckConfig{
		"tp1": {ReferenceDir: referenceDir(t)},
	})
	msg := message(t, model.GradeJob{
		JobID: "job-1",
		SHA:   "abc123",
		Check: "tp1",
		Submission: model.Submission{Files: []model.InlineFile{
			{Path: "main.c", Content: "int main(void) { return 0; }\n"},
		}},
	})
	if err := f.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.publisher.results) != 1 {
		t.Fatalf("expected one published result, got %d", len(f.publisher.results))
	}
	got := f.publisher.results[0]
	if got.CheckRun.Name != "Tests tp1" || got.CheckRun.Conclusion != tap.ConclusionSuccess || got.SHA != "abc123" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.LogKey != "logs/tp1/job-1.tap" || !bytes.Contains(f.storage.puts["logs/"+got.LogKey], []byte("ok 1 builds")) {
		t.Fatalf("tap log not archived: key=%q puts=%v", got.LogKey, f.storage.puts)
	}
	joined := strings.Join(f.engine.files, ",")
	if !strings.Contains(joined, "skel/Makefile") || !strings.Contains(joined, "orig/main.c") {
		t.Fatalf("artifact layout not visible to the program: %v", f.engine.files)
	}
}

func TestBucketSubmission(t *testing.T) {
	f := newFixture(t, "All OK\n", map[string]CheckConfig{
		"tp2": {ReferenceDir: referenceDir(t), Name: "TP2"},
	})
	f.storage.objects["subs/7/main.py"] = []byte("print(1)\n")
	f.storage.objects["subs/7/lib/util.py"] = []byte("x = 1\n")

	res := f.svc.Grade(context.Background(), model.GradeJob{
		JobID:      "job-7",
		Check:      "tp2",
		Submission: model.Submission{Bucket: "submissions", Prefix: "subs/7"},
	})
	if res.CheckRun.Name != "TP2" || res.CheckRun.Output.Title != "Tests OK" {
		t.Fatalf("unexpected result: %+v", res.CheckRun)
	}
	joined := strings.Join(f.engine.files, ",")
	if !strings.Contains(joined, "orig/main.py") || !strings.Contains(joined, "orig/lib/util.py") {
		t.Fatalf("bucket files missing: %v", f.engine.files)
	}
}

func TestUnknownCheckIsCancelled(t *testing.T) {
	f := newFixture(t, "", map[string]CheckConfig{"tp1": {ReferenceDir: referenceDir(t)}})
	msg := message(t, model.GradeJob{
		Check:      "tp9",
		Submission: model.Submission{Files: []model.InlineFile{{Path: "a", Content: "b"}}},
	})
	msg.ID = "queue-id"
	if err := f.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := f.publisher.results[0]
	if got.CheckRun.Conclusion != tap.ConclusionCancelled || !strings.Contains(got.CheckRun.Output.Text, "tp9") {
		t.Fatalf("unexpected result: %+v", got.CheckRun)
	}
	if got.JobID != "queue-id" {
		t.Fatalf("job id should fall back to the message id, got %q", got.JobID)
	}
}

func TestBrokenTestsFileIsCancelled(t *testing.T) {
	ref := t.TempDir()
	if err := os.WriteFile(filepath.Join(ref, "tests.yml"), []byte("tests:\n  - nombre: x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := newFixture(t, "", map[string]CheckConfig{
		"tp3": {ReferenceDir: ref, Mode: "tests", TestsFile: "skel/tests.yml", Program: "./prog"},
	})
	res := f.svc.Grade(context.Background(), model.GradeJob{
		JobID:      "j",
		Check:      "tp3",
		Submission: model.Submission{Files: []model.InlineFile{{Path: "prog", Content: "", Mode: 0o755}}},
	})
	if res.CheckRun.Conclusion != tap.ConclusionCancelled || res.CheckRun.Name != "Tests tp3" {
		t.Fatalf("unexpected result: %+v", res.CheckRun)
	}
	if res.CheckRun.Output.Title != "Cancelled: "+appErr.JobSpecInvalid.Message() {
		t.Fatalf("unexpected title: %q", res.CheckRun.Output.Title)
	}
}

func TestMalformedMessageIsDropped(t *testing.T) {
	f := newFixture(t, "", map[string]CheckConfig{"tp1": {ReferenceDir: referenceDir(t)}})
	if err := f.svc.HandleMessage(context.Background(), mq.NewMessage([]byte("{"))); err != nil {
		t.Fatalf("malformed message should not be retried: %v", err)
	}
	if len(f.publisher.results) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestPublishFailureIsRetried(t *testing.T) {
	f := newFixture(t, "All OK\n", map[string]CheckConfig{"tp1": {ReferenceDir: referenceDir(t)}})
	f.publisher.err = errors.New("broker down")
	msg := message(t, model.GradeJob{
		Check:      "tp1",
		Submission: model.Submission{Files: []model.InlineFile{{Path: "a", Content: "b"}}},
	})
	if err := f.svc.HandleMessage(context.Background(), msg); err == nil {
		t.Fatalf("publish failure should be returned")
	}
}

func TestCatalogValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  CheckConfig
	}{
		{"no reference", CheckConfig{}},
		{"bad mode", CheckConfig{ReferenceDir: "/ref", Mode: "interactive"}},
		{"tests without file", CheckConfig{ReferenceDir: "/ref", Mode: "tests"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCatalog(map[string]CheckConfig{"k": tc.cfg})
			if !appErr.Is(err, appErr.ConfigInvalid) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

type fakeProducer struct {
	topic string
	msg   *mq.Message
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	p.topic, p.msg = topic, message
	return nil
}

func TestMQResultPublisher(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewMQResultPublisher(producer, "grader.results")
	if err := pub.PublishResult(context.Background(), model.CheckRunResult{JobID: "j1", Check: "tp1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if producer.topic != "grader.results" || producer.msg.ID != "j1" {
		t.Fatalf("unexpected publish: %s %+v", producer.topic, producer.msg)
	}
	var decoded model.CheckRunResult
	if err := json.Unmarshal(producer.msg.Body, &decoded); err != nil || decoded.Check != "tp1" {
		t.Fatalf("bad payload: %v %+v", err, decoded)
	}
}

func TestTraceIDFlowsToResult(t *testing.T) {
	producer := &fakeProducer{}
	catalog, err := NewCatalog(map[string]CheckConfig{"tp1": {ReferenceDir: referenceDir(t)}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	svc, err := NewService(Config{
		Executor:  sandbox.NewExecutor(sandbox.Config{WorkRoot: t.TempDir()}, &fakeEngine{stdout: "All OK\n"}),
		Catalog:   catalog,
		Publisher: NewMQResultPublisher(producer, "grader.results"),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	msg := message(t, model.GradeJob{
		JobID:      "j2",
		Check:      "tp1",
		Submission: model.Submission{Files: []model.InlineFile{{Path: "a", Content: "b"}}},
	})
	msg.SetHeader(TraceHeader, "trace-42")
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got, _ := producer.msg.GetHeader(TraceHeader); got != "trace-42" {
		t.Fatalf("trace id not propagated: %q", got)
	}
}

// fakeResolver serves a fixed directory and counts outstanding pins.
type fakeResolver struct {
	dir    string
	pinned int
	gets   int
}

func (r *fakeResolver) Get(ctx context.Context, ref cache.PackRef) (string, func(), error) {
	r.gets++
	r.pinned++
	return r.dir, func() { r.pinned-- }, nil
}

func TestReferencePackReleasedAfterCollect(t *testing.T) {
	catalog, err := NewCatalog(map[string]CheckConfig{"tp4": {Pack: &cache.PackRef{Key: "packs/tp4.tar.zst"}}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	engine := &fakeEngine{stdout: "All OK\n"}
	resolver := &fakeResolver{dir: referenceDir(t)}
	publisher := &fakePublisher{}
	svc, err := NewService(Config{
		Executor:   sandbox.NewExecutor(sandbox.Config{WorkRoot: t.TempDir()}, engine),
		Catalog:    catalog,
		Publisher:  publisher,
		References: resolver,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	msg := message(t, model.GradeJob{
		JobID:      "job-4",
		SHA:        "abc",
		Check:      "tp4",
		Submission: model.Submission{Files: []model.InlineFile{{Path: "main.c", Content: "x"}}},
	})
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resolver.gets != 1 || resolver.pinned != 0 {
		t.Fatalf("pack not released: gets=%d pinned=%d", resolver.gets, resolver.pinned)
	}
	if !strings.Contains(strings.Join(engine.files, ","), "skel/Makefile") {
		t.Fatalf("reference files not staged: %v", engine.files)
	}
}
