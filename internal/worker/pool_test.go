package worker

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwygoda/extractor/internal/adapter/extractor"
	"github.com/cwygoda/extractor/internal/adapter/sqlite"
	"github.com/cwygoda/extractor/internal/domain"
	"github.com/cwygoda/extractor/internal/results"
	"github.com/cwygoda/extractor/internal/staging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// fakeExtractor accepts everything. When block is set it waits for release
// or for its context to end.
type fakeExtractor struct {
	started chan string
	release chan struct{}
	block   bool
	calls   atomic.Int32
	fn      func(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error)
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		started: make(chan string, 64),
		release: make(chan struct{}),
	}
}

func (f *fakeExtractor) Name() string                  { return "fake" }
func (f *fakeExtractor) Formats() []string             { return []string{".md"} }
func (f *fakeExtractor) Accepts(mime, ext string) bool { return true }

func (f *fakeExtractor) Extract(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error) {
	f.calls.Add(1)
	f.started <- src
	if f.block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(ctx, src, outDir)
	}
	path := filepath.Join(outDir, "content.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		return nil, err
	}
	return &domain.ExtractionResult{Success: true, TextPath: path, TextLength: 5}, nil
}

type harness struct {
	repo    *sqlite.Repository
	store   *results.Store
	stager  *staging.Stager
	pool    *Pool
	svc     *domain.JobService
	uploads string
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newHarness(t *testing.T, matcher Matcher, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := sqlite.New(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	store, err := results.NewStore(filepath.Join(dir, "results"), testLogger())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	stager, err := staging.New(filepath.Join(dir, "uploads"), 1<<20, extractor.Default(), testLogger())
	if err != nil {
		t.Fatalf("staging.New() error = %v", err)
	}

	pool := New(repo, matcher, store, stager, testLogger(), opts...)
	h := &harness{
		repo:    repo,
		store:   store,
		stager:  stager,
		pool:    pool,
		svc:     domain.NewJobService(repo, pool, store),
		uploads: stager.Dir(),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
		pool.wg.Wait()
		repo.Close()
	})
	return h
}

func fakeRegistry(e domain.Extractor) *extractor.Registry {
	r := extractor.NewRegistry()
	r.Register(e)
	return r
}

// stage writes a Markdown source straight into the uploads directory.
func (h *harness) stage(t *testing.T, body string) *domain.StagedFile {
	t.Helper()
	path := filepath.Join(h.uploads, uuid.NewString()+".md")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return &domain.StagedFile{
		Path:     path,
		Filename: "notes.md",
		Ext:      ".md",
		Size:     int64(len(body)),
		MIME:     "text/plain; charset=utf-8",
		SHA256:   "00",
	}
}

func (h *harness) submit(t *testing.T) *domain.Job {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), h.stage(t, "# Notes\n\nSome text.\n"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return job
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.JobStatus) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := h.repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %s, want %s (error %q)", id, job.Status, want, job.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.pool.Active() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Active() = %d after deadline", h.pool.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStarted(t *testing.T, f *fakeExtractor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d extractions started", i, n)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPool_CompletesMarkdownJob(t *testing.T) {
	h := newHarness(t, extractor.Default())
	h.pool.Start()

	job := h.submit(t)
	done := h.waitStatus(t, job.ID, domain.StatusCompleted)
	h.waitIdle(t)

	if done.Extractor != "markdown" {
		t.Errorf("Extractor = %q, want %q", done.Extractor, "markdown")
	}
	if done.Progress != 100 {
		t.Errorf("Progress = %d, want 100", done.Progress)
	}
	if done.TextLength == 0 {
		t.Error("TextLength = 0, want > 0")
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Errorf("timestamps = %v, %v, want both set", done.StartedAt, done.CompletedAt)
	}

	layout := h.store.Layout()
	for _, name := range []string{"content.txt", "metadata.json", "meta.txt", results.ExtractionLogFile, results.ProcessLogFile} {
		if !exists(filepath.Join(layout.Dir(job.ID), name)) {
			t.Errorf("%s missing from output directory", name)
		}
	}
	if exists(layout.PartialDir(job.ID)) {
		t.Error("working directory still present")
	}
	if exists(job.SourcePath) {
		t.Error("staged source still present")
	}

	summary, err := h.store.Summary(job.ID)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.JobID != job.ID || summary.Extractor != "markdown" || !summary.Success {
		t.Errorf("Summary() = %+v", summary)
	}

	path, err := h.svc.Archive(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	want := []string{"content.txt", results.ExtractionLogFile, "meta.txt", "metadata.json", results.ProcessLogFile}
	sort.Strings(want)
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("archive entries = %v, want %v", names, want)
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	const workers = 4
	fake := newFakeExtractor()
	fake.block = true
	h := newHarness(t, fakeRegistry(fake), WithWorkers(workers), WithQueueSize(3*workers))
	h.pool.Start()

	var ids []string
	for i := 0; i < 3*workers; i++ {
		ids = append(ids, h.submit(t).ID)
	}

	waitStarted(t, fake, workers)
	time.Sleep(50 * time.Millisecond)

	if got := len(fake.started); got != 0 {
		t.Errorf("%d extra extractions started beyond the pool size", got)
	}
	if got := h.pool.Active(); got != workers {
		t.Errorf("Active() = %d, want %d", got, workers)
	}
	processing, err := h.repo.FindByStatus(context.Background(), domain.StatusProcessing)
	if err != nil {
		t.Fatalf("FindByStatus() error = %v", err)
	}
	if len(processing) != workers {
		t.Errorf("processing jobs = %d, want %d", len(processing), workers)
	}

	close(fake.release)
	for _, id := range ids {
		h.waitStatus(t, id, domain.StatusCompleted)
	}
	if got := fake.calls.Load(); got != int32(3*workers) {
		t.Errorf("extractions = %d, want %d", got, 3*workers)
	}
}

func TestPool_Saturated(t *testing.T) {
	fake := newFakeExtractor()
	fake.block = true
	h := newHarness(t, fakeRegistry(fake), WithWorkers(1), WithQueueSize(1))
	h.pool.Start()

	running := h.submit(t)
	waitStarted(t, fake, 1)
	queued := h.submit(t)

	_, err := h.svc.Submit(context.Background(), h.stage(t, "# third"))
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrUnavailable", err)
	}

	jobs, err := h.svc.List(context.Background(), domain.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("List() returned %d jobs, want 2", len(jobs))
	}

	close(fake.release)
	h.waitStatus(t, running.ID, domain.StatusCompleted)
	h.waitStatus(t, queued.ID, domain.StatusCompleted)
}

func TestPool_Timeout(t *testing.T) {
	fake := newFakeExtractor()
	fake.block = true
	h := newHarness(t, fakeRegistry(fake), WithJobTimeout(50*time.Millisecond))
	h.pool.Start()

	job := h.submit(t)
	failed := h.waitStatus(t, job.ID, domain.StatusFailed)
	h.waitIdle(t)

	if !strings.HasPrefix(failed.Error, domain.ReasonTimeout+":") {
		t.Errorf("Error = %q, want timeout prefix", failed.Error)
	}
	layout := h.store.Layout()
	if exists(layout.Dir(job.ID)) || exists(layout.PartialDir(job.ID)) {
		t.Error("timed out job left result directories behind")
	}
}

func TestPool_ExtractionFailure(t *testing.T) {
	tests := []struct {
		name   string
		fn     func(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error)
		prefix string
		detail string
	}{
		{
			name: "error after partial output",
			fn: func(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error) {
				os.WriteFile(filepath.Join(outDir, "content.txt"), []byte("half"), 0o644)
				return nil, errors.New("corrupt document")
			},
			prefix: domain.ReasonExtraction,
			detail: "corrupt document",
		},
		{
			name: "unsuccessful result",
			fn: func(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error) {
				return &domain.ExtractionResult{Success: false, Error: "no text layer"}, nil
			},
			prefix: domain.ReasonExtraction,
			detail: "no text layer",
		},
		{
			name: "panic",
			fn: func(ctx context.Context, src, outDir string) (*domain.ExtractionResult, error) {
				panic("boom")
			},
			prefix: domain.ReasonExtraction,
			detail: "panicked: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeExtractor()
			fake.fn = tt.fn
			h := newHarness(t, fakeRegistry(fake))
			h.pool.Start()

			job := h.submit(t)
			failed := h.waitStatus(t, job.ID, domain.StatusFailed)
			h.waitIdle(t)

			if !strings.HasPrefix(failed.Error, tt.prefix+":") {
				t.Errorf("Error = %q, want prefix %q", failed.Error, tt.prefix)
			}
			if !strings.Contains(failed.Error, tt.detail) {
				t.Errorf("Error = %q, want it to mention %q", failed.Error, tt.detail)
			}
			layout := h.store.Layout()
			if exists(layout.Dir(job.ID)) || exists(layout.PartialDir(job.ID)) {
				t.Error("failed job left result directories behind")
			}
			if exists(job.SourcePath) {
				t.Error("staged source still present")
			}
		})
	}
}

func TestPool_NoCapability(t *testing.T) {
	h := newHarness(t, extractor.NewRegistry())
	h.pool.Start()

	job := h.submit(t)
	failed := h.waitStatus(t, job.ID, domain.StatusFailed)
	if !strings.Contains(failed.Error, "no extractor") {
		t.Errorf("Error = %q, want no extractor", failed.Error)
	}
}

func TestPool_CancelRunning(t *testing.T) {
	fake := newFakeExtractor()
	fake.block = true
	h := newHarness(t, fakeRegistry(fake))
	h.pool.Start()

	job := h.submit(t)
	waitStarted(t, fake, 1)
	h.waitStatus(t, job.ID, domain.StatusProcessing)

	outcome, err := h.svc.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if outcome != domain.CancelRequested {
		t.Errorf("Cancel() = %s, want %s", outcome, domain.CancelRequested)
	}

	failed := h.waitStatus(t, job.ID, domain.StatusFailed)
	if !strings.HasPrefix(failed.Error, domain.ReasonCancelled+":") {
		t.Errorf("Error = %q, want cancelled prefix", failed.Error)
	}
	h.waitIdle(t)
	if exists(h.store.Layout().Dir(job.ID)) {
		t.Error("cancelled job published results")
	}
}

func TestPool_CancelQueued(t *testing.T) {
	fake := newFakeExtractor()
	fake.block = true
	h := newHarness(t, fakeRegistry(fake), WithWorkers(1))
	h.pool.Start()

	running := h.submit(t)
	waitStarted(t, fake, 1)
	queued := h.submit(t)

	outcome, err := h.svc.Cancel(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if outcome != domain.CancelDequeued {
		t.Errorf("Cancel() = %s, want %s", outcome, domain.CancelDequeued)
	}

	close(fake.release)
	h.waitStatus(t, running.ID, domain.StatusCompleted)
	h.pool.Shutdown(context.Background())
	h.pool.wg.Wait()

	failed := h.waitStatus(t, queued.ID, domain.StatusFailed)
	if !strings.HasPrefix(failed.Error, domain.ReasonCancelled+":") {
		t.Errorf("Error = %q, want cancelled prefix", failed.Error)
	}
	if failed.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", failed.StartedAt)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("extractions = %d, want 1", got)
	}
	if exists(queued.SourcePath) {
		t.Error("staged source of cancelled job still present")
	}
}

func TestPool_CancelQueuedFreesSlot(t *testing.T) {
	fake := newFakeExtractor()
	fake.block = true
	h := newHarness(t, fakeRegistry(fake), WithWorkers(1), WithQueueSize(1))
	h.pool.Start()

	running := h.submit(t)
	waitStarted(t, fake, 1)
	queued := h.submit(t)
	if got := h.pool.Queued(); got != 1 {
		t.Fatalf("Queued() = %d, want 1", got)
	}

	if _, err := h.svc.Cancel(context.Background(), queued.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := h.pool.Queued(); got != 0 {
		t.Errorf("Queued() after cancel = %d, want 0", got)
	}
	if exists(queued.SourcePath) {
		t.Error("staged source of cancelled job still present")
	}

	next, err := h.svc.Submit(context.Background(), h.stage(t, "# Next\n"))
	if err != nil {
		t.Fatalf("Submit() after cancel error = %v, want a free slot", err)
	}

	close(fake.release)
	h.waitStatus(t, running.ID, domain.StatusCompleted)
	h.waitStatus(t, next.ID, domain.StatusCompleted)
	if got := fake.calls.Load(); got != 2 {
		t.Errorf("extractions = %d, want 2", got)
	}
}

func TestPool_Reserve(t *testing.T) {
	h := newHarness(t, extractor.Default(), WithQueueSize(2))

	first, err := h.pool.Reserve()
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	second, err := h.pool.Reserve()
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := h.pool.Reserve(); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Reserve() on a full queue error = %v, want ErrUnavailable", err)
	}
	if err := h.pool.Enqueue(&domain.Job{ID: "direct"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Enqueue() with every slot reserved error = %v, want ErrUnavailable", err)
	}

	first.Release()
	first.Release()
	if err := first.Fill(&domain.Job{ID: "released"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Fill() after Release error = %v, want ErrUnavailable", err)
	}

	if err := second.Fill(&domain.Job{ID: "a"}); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	second.Release()
	if got := h.pool.Queued(); got != 1 {
		t.Errorf("Queued() = %d, want 1", got)
	}

	third, err := h.pool.Reserve()
	if err != nil {
		t.Fatalf("Reserve() after Release error = %v", err)
	}
	if _, err := h.pool.Reserve(); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Reserve() error = %v, want ErrUnavailable", err)
	}

	h.pool.Shutdown(context.Background())
	if err := third.Fill(&domain.Job{ID: "b"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Fill() after Shutdown error = %v, want ErrUnavailable", err)
	}
}

func TestPool_ShutdownDrains(t *testing.T) {
	fake := newFakeExtractor()
	h := newHarness(t, fakeRegistry(fake), WithWorkers(2))
	h.pool.Start()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.submit(t).ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, id := range ids {
		h.waitStatus(t, id, domain.StatusCompleted)
	}

	if err := h.pool.Enqueue(&domain.Job{ID: "late"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Enqueue() after Shutdown error = %v, want ErrUnavailable", err)
	}
}

func TestPool_ShutdownAborts(t *testing.T) {
	fake := newFakeExtractor()
	fake.block = true
	h := newHarness(t, fakeRegistry(fake), WithWorkers(1))
	h.pool.Start()

	running := h.submit(t)
	waitStarted(t, fake, 1)
	queued := h.submit(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.pool.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want DeadlineExceeded", err)
	}
	h.pool.wg.Wait()

	for _, id := range []string{running.ID, queued.ID} {
		job := h.waitStatus(t, id, domain.StatusFailed)
		if !strings.HasPrefix(job.Error, domain.ReasonAborted+":") {
			t.Errorf("job %s Error = %q, want aborted prefix", id, job.Error)
		}
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("extractions = %d, want 1", got)
	}
	if exists(h.store.Layout().PartialDir(running.ID)) {
		t.Error("aborted job left its working directory")
	}
}

func TestPool_Heartbeat(t *testing.T) {
	fake := newFakeExtractor()
	fake.block = true
	h := newHarness(t, fakeRegistry(fake), WithHeartbeat(10*time.Millisecond))
	h.pool.Start()

	job := h.submit(t)
	waitStarted(t, fake, 1)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := h.repo.Get(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Progress > startProgress {
			if got.Progress > maxProgress {
				t.Errorf("Progress = %d while running, want <= %d", got.Progress, maxProgress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Progress = %d, heartbeat never advanced it", got.Progress)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(fake.release)
	h.waitStatus(t, job.ID, domain.StatusCompleted)
}

func TestPool_RecoverRequeues(t *testing.T) {
	h := newHarness(t, extractor.Default())
	ctx := context.Background()

	pending := domain.NewJob(h.stage(t, "# Pending\n"), time.Now())
	if err := h.repo.Create(ctx, pending); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	stuck := domain.NewJob(h.stage(t, "# Stuck\n"), time.Now())
	if err := h.repo.Create(ctx, stuck); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := h.repo.Start(ctx, stuck.ID, time.Now()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.pool.Start()
	rep, err := h.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if rep.Requeued != 1 || rep.Failed != 1 {
		t.Errorf("Recover() = %+v, want 1 requeued and 1 failed", rep)
	}

	h.waitStatus(t, pending.ID, domain.StatusCompleted)
	failed := h.waitStatus(t, stuck.ID, domain.StatusFailed)
	if !strings.HasPrefix(failed.Error, domain.ReasonRecovered+":") {
		t.Errorf("Error = %q, want recovered prefix", failed.Error)
	}
}

func TestPool_ResolveAncestors(t *testing.T) {
	p := New(nil, extractor.Default(), nil, nil, testLogger())

	tests := []struct {
		mime string
		ext  string
		want string
	}{
		{"text/plain; charset=utf-8", ".md", "markdown"},
		{"text/html; charset=utf-8", ".md", "markdown"},
		{"application/pdf", ".pdf", "pdf"},
		{"text/html; charset=utf-8", ".html", ""},
	}
	for _, tt := range tests {
		got := ""
		if e := p.resolve(tt.mime, tt.ext); e != nil {
			got = e.Name()
		}
		if got != tt.want {
			t.Errorf("resolve(%q, %q) = %q, want %q", tt.mime, tt.ext, got, tt.want)
		}
	}
}
