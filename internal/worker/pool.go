package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/cwygoda/extractor/internal/results"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Matcher picks the capability for a job's type.
type Matcher interface {
	Match(mime, ext string) domain.Extractor
}

// Workspace manages the directories a job writes into.
type Workspace interface {
	Prepare(id string) (string, error)
	Commit(id string) (string, error)
	Discard(id string) error
	WriteExtractionLog(dir string, summary domain.ExtractionSummary) error
}

// Uploads removes staged source files once a job no longer needs them.
type Uploads interface {
	Discard(path string) error
}

const (
	DefaultWorkers    = 4
	DefaultQueueSize  = 64
	DefaultJobTimeout = 10 * time.Minute
	DefaultHeartbeat  = 30 * time.Second

	startProgress = 10
	progressStep  = 5
	maxProgress   = 90
)

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of concurrent executions.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize sets how many jobs may wait for a worker.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithJobTimeout sets the per-job deadline.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHeartbeat sets how often a running job refreshes its record.
func WithHeartbeat(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.heartbeat = d
		}
	}
}

type task struct {
	job *domain.Job
	ctl *control
}

// control tracks one queued or running job. Exactly one party (the worker,
// the watchdog or an abort) may commit the job's terminal status.
type control struct {
	cancelled atomic.Bool
	terminal  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *control) claimTerminal() bool {
	return c.terminal.CompareAndSwap(false, true)
}

func (c *control) requestCancel() {
	c.cancelled.Store(true)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

func (c *control) bind(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.cancelled.Load() {
		cancel()
	}
}

// Pool runs extraction jobs on a fixed number of goroutines fed by a bounded
// queue. It implements domain.Dispatcher.
//
// Queue capacity is held in slots: a reservation, a waiting job or nothing.
// A slot is given back when a worker picks the job up, when the job is
// cancelled before it starts, or when a reservation is released unused.
type Pool struct {
	repo      domain.JobRepository
	matcher   Matcher
	workspace Workspace
	uploads   Uploads
	logger    *logrus.Entry

	workers   int
	queueSize int
	timeout   time.Duration
	heartbeat time.Duration
	now       func() time.Time

	slots    *semaphore.Weighted
	mu       sync.Mutex
	wake     *sync.Cond
	queue    []task
	closed   bool
	started  bool
	controls map[string]*control
	active   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pool. Call Start before jobs can run.
func New(repo domain.JobRepository, matcher Matcher, workspace Workspace, uploads Uploads, logger *logrus.Entry, opts ...Option) *Pool {
	p := &Pool{
		repo:      repo,
		matcher:   matcher,
		workspace: workspace,
		uploads:   uploads,
		logger:    logger,
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
		timeout:   DefaultJobTimeout,
		heartbeat: DefaultHeartbeat,
		now:       time.Now,
		controls:  make(map[string]*control),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.slots = semaphore.NewWeighted(int64(p.queueSize))
	p.wake = sync.NewCond(&p.mu)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.logger.WithFields(logrus.Fields{
		"workers":    p.workers,
		"queue_size": p.queueSize,
		"timeout":    p.timeout,
	}).Info("worker pool started")

	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Reserve claims a queue slot without blocking.
func (p *Pool) Reserve() (domain.Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.slots.TryAcquire(1) {
		return nil, domain.ErrUnavailable
	}
	return &reservation{pool: p}, nil
}

// Enqueue hands a pending job to the pool without blocking.
func (p *Pool) Enqueue(job *domain.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrUnavailable
	}
	if _, ok := p.controls[job.ID]; ok {
		return nil
	}
	if !p.slots.TryAcquire(1) {
		return domain.ErrUnavailable
	}
	p.push(job)
	return nil
}

// push appends a job to the queue. The caller holds p.mu and a slot.
func (p *Pool) push(job *domain.Job) {
	j := *job
	t := task{job: &j, ctl: &control{}}
	p.queue = append(p.queue, t)
	p.controls[job.ID] = t.ctl
	p.wake.Signal()
}

type reservation struct {
	pool *Pool
	done bool // guarded by pool.mu
}

// Fill enqueues the job into the reserved slot.
func (r *reservation) Fill(job *domain.Job) error {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.done {
		return domain.ErrUnavailable
	}
	r.done = true

	if p.closed {
		p.slots.Release(1)
		return domain.ErrUnavailable
	}
	if _, ok := p.controls[job.ID]; ok {
		p.slots.Release(1)
		return nil
	}
	p.push(job)
	return nil
}

// Release returns an unfilled slot.
func (r *reservation) Release() {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	p.slots.Release(1)
}

// Cancel flags a queued or running job and cancels its context. A job that
// is still waiting leaves the queue at once and frees its slot.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	ctl, ok := p.controls[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	var dequeued *domain.Job
	for i, t := range p.queue {
		if t.ctl == ctl {
			dequeued = t.job
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			delete(p.controls, id)
			p.slots.Release(1)
			break
		}
	}
	p.mu.Unlock()

	ctl.requestCancel()
	if dequeued != nil {
		log := p.logger.WithField("job_id", id)
		log.Debug("queued job cancelled")
		p.discardSource(dequeued, log)
	}
	return true
}

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops intake and waits for queued and running jobs to finish.
// If ctx expires first, every job still tracked is failed as aborted and
// running capabilities are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.wake.Broadcast()
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		aborted := p.abort()
		p.cancel()
		p.logger.WithField("aborted", aborted).Info("worker pool stopped before start")
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
	}

	aborted := p.abort()
	p.cancel()
	p.logger.WithField("aborted", aborted).Warn("worker pool shutdown deadline exceeded")
	return ctx.Err()
}

func (p *Pool) abort() int {
	p.mu.Lock()
	ctls := make(map[string]*control, len(p.controls))
	for id, ctl := range p.controls {
		ctls[id] = ctl
	}
	p.mu.Unlock()

	n := 0
	for id, ctl := range ctls {
		if !ctl.claimTerminal() {
			continue
		}
		log := p.logger.WithField("job_id", id)
		if p.fail(id, domain.Diagnostic(domain.ReasonAborted, "service shut down before the job finished"), log) {
			n++
		}
	}
	return n
}

func (p *Pool) run(workerID int) {
	defer p.wg.Done()
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.execute(workerID, t)
		p.untrack(t.job.ID, t.ctl)
	}
}

// next blocks until a job is waiting or the pool is closed and drained.
func (p *Pool) next() (task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.wake.Wait()
	}
	if len(p.queue) == 0 {
		return task{}, false
	}
	t := p.queue[0]
	p.queue[0] = task{}
	p.queue = p.queue[1:]
	p.slots.Release(1)
	return t, true
}

func (p *Pool) untrack(id string, ctl *control) {
	p.mu.Lock()
	if p.controls[id] == ctl {
		delete(p.controls, id)
	}
	p.mu.Unlock()
}

func (p *Pool) execute(workerID int, t task) {
	job, ctl := t.job, t.ctl
	log := p.logger.WithFields(logrus.Fields{"job_id": job.ID, "worker_id": workerID})

	if ctl.cancelled.Load() || p.ctx.Err() != nil {
		log.Debug("job cancelled before start, skipping")
		p.discardSource(job, log)
		return
	}

	bg := context.Background()
	if err := p.repo.Start(bg, job.ID, p.now()); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) || errors.Is(err, domain.ErrJobNotFound) {
			log.WithError(err).Debug("job no longer pending, skipping")
			p.discardSource(job, log)
			return
		}
		log.WithError(err).Error("failed to start job")
		if ctl.claimTerminal() {
			p.fail(job.ID, domain.Diagnostic(domain.ReasonExtraction, "could not start: "+err.Error()), log)
		}
		return
	}

	p.active.Add(1)
	defer p.active.Add(-1)
	defer p.discardSource(job, log)

	p.touch(job.ID, startProgress, log)
	log.Info("processing job")

	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	ctl.bind(cancel)

	watchdog := time.AfterFunc(p.timeout, func() {
		cancel()
		if ctl.claimTerminal() {
			log.WithField("timeout", p.timeout).Warn("job exceeded deadline")
			p.fail(job.ID, domain.Diagnostic(domain.ReasonTimeout, "extraction exceeded "+p.timeout.String()), log)
		}
	})
	defer watchdog.Stop()

	stopBeat := p.beat(job.ID, log)
	outcome := p.extract(ctx, job, log)
	stopBeat()

	if !ctl.claimTerminal() {
		log.Debug("job already finalised, discarding output")
		p.discardWorkspace(job.ID, log)
		return
	}

	if outcome.err == nil && ctl.cancelled.Load() {
		outcome.err = errCancelled
	}
	if outcome.err != nil {
		p.discardWorkspace(job.ID, log)
		reason := domain.Diagnostic(domain.ReasonExtraction, outcome.err.Error())
		if errors.Is(outcome.err, errCancelled) || (ctl.cancelled.Load() && errors.Is(outcome.err, context.Canceled)) {
			reason = domain.Diagnostic(domain.ReasonCancelled, "cancelled during processing")
		}
		log.WithError(outcome.err).Warn("job failed")
		p.fail(job.ID, reason, log)
		return
	}

	if _, err := p.workspace.Commit(job.ID); err != nil {
		p.discardWorkspace(job.ID, log)
		log.WithError(err).Error("failed to publish results")
		p.fail(job.ID, domain.Diagnostic(domain.ReasonExtraction, err.Error()), log)
		return
	}

	err := p.repo.Complete(bg, job.ID, domain.Completion{
		Extractor:   outcome.extractor,
		TextLength:  outcome.textLength,
		ImagesCount: outcome.images,
	}, p.now())
	if err != nil {
		p.discardWorkspace(job.ID, log)
		p.storeError(err, "failed to record completion", log)
		return
	}

	log.WithFields(logrus.Fields{
		"extractor":   outcome.extractor,
		"text_length": outcome.textLength,
		"images":      outcome.images,
	}).Info("job completed")
}

var errCancelled = errors.New("cancelled")

type outcome struct {
	extractor  string
	textLength int
	images     int
	err        error
}

// extract runs the capability in the job's working directory and writes the
// extraction log. The directory is left in place for the caller to commit
// or discard.
func (p *Pool) extract(ctx context.Context, job *domain.Job, log *logrus.Entry) (out outcome) {
	ext := strings.ToLower(filepath.Ext(job.SourcePath))
	e := p.resolve(job.SourceMIME, ext)
	if e == nil {
		out.err = fmt.Errorf("no extractor for %s (%s)", ext, job.SourceMIME)
		return out
	}
	out.extractor = e.Name()

	dir, err := p.workspace.Prepare(job.ID)
	if err != nil {
		out.err = fmt.Errorf("prepare workspace: %w", err)
		return out
	}

	plog, err := results.NewProcessLog(dir, job.ID)
	if err != nil {
		out.err = fmt.Errorf("open processing log: %w", err)
		return out
	}
	defer func() {
		if err := plog.Close(); err != nil && out.err == nil {
			out.err = fmt.Errorf("close processing log: %w", err)
		}
	}()

	plog.WithFields(logrus.Fields{
		"filename":  job.SourceFilename,
		"size":      job.SourceSize,
		"mime":      job.SourceMIME,
		"sha256":    job.SourceSHA256,
		"extractor": out.extractor,
	}).Info("extraction started")

	began := time.Now()
	res, err := p.safeExtract(ctx, e, job.SourcePath, dir, log)
	elapsed := time.Since(began)

	switch {
	case err != nil:
		out.err = err
	case res == nil || !res.Success:
		msg := "capability reported failure"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		out.err = errors.New(msg)
	}
	if out.err != nil {
		plog.WithError(out.err).WithField("duration_ms", elapsed.Milliseconds()).Error("extraction failed")
		log.WithError(out.err).Debug("capability returned an error")
		return out
	}
	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}

	out.textLength = res.TextLength
	out.images = len(res.Images)

	summary := domain.ExtractionSummary{
		JobID:       job.ID,
		Filename:    job.SourceFilename,
		Extractor:   out.extractor,
		ExtractedAt: p.now().UTC(),
		TextLength:  out.textLength,
		ImagesCount: out.images,
		DurationMS:  elapsed.Milliseconds(),
		Success:     true,
	}
	if err := p.workspace.WriteExtractionLog(dir, summary); err != nil {
		out.err = fmt.Errorf("write extraction log: %w", err)
		plog.WithError(out.err).Error("extraction failed")
		return out
	}

	plog.WithFields(logrus.Fields{
		"text_length": out.textLength,
		"images":      out.images,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("extraction finished")
	return out
}

// safeExtract turns a panicking capability into an error.
func (p *Pool) safeExtract(ctx context.Context, e domain.Extractor, src, dir string, log *logrus.Entry) (res *domain.ExtractionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", e.Name(), r)
			log.WithField("stack", string(debug.Stack())).Error("recovered capability panic")
		}
	}()
	return e.Extract(ctx, src, dir)
}

// resolve tries the recorded type, then its ancestors, the same way uploads
// were accepted.
func (p *Pool) resolve(mime, ext string) domain.Extractor {
	if e := p.matcher.Match(mime, ext); e != nil {
		return e
	}
	base, _, _ := strings.Cut(mime, ";")
	mt := mimetype.Lookup(strings.TrimSpace(base))
	if mt == nil {
		return nil
	}
	for m := mt.Parent(); m != nil; m = m.Parent() {
		if e := p.matcher.Match(m.String(), ext); e != nil {
			return e
		}
	}
	return nil
}

// beat refreshes the job's heartbeat until the returned func is called.
func (p *Pool) beat(id string, log *logrus.Entry) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()

		progress := startProgress
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				progress = min(progress+progressStep, maxProgress)
				p.touch(id, progress, log)
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (p *Pool) touch(id string, progress int, log *logrus.Entry) {
	if err := p.repo.Touch(context.Background(), id, progress, p.now()); err != nil {
		log.WithError(err).Debug("heartbeat not recorded")
	}
}

// fail commits a failed status and reports whether it was written.
func (p *Pool) fail(id, reason string, log *logrus.Entry) bool {
	if err := p.repo.Fail(context.Background(), id, reason, p.now()); err != nil {
		p.storeError(err, "failed to record failure", log)
		return false
	}
	return true
}

func (p *Pool) storeError(err error, msg string, log *logrus.Entry) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		log.WithError(err).Debug("job removed while running")
	case errors.Is(err, domain.ErrIllegalTransition):
		log.WithError(err).WithField("fault", "fatal").Error(msg)
	default:
		log.WithError(err).Error(msg)
	}
}

func (p *Pool) discardWorkspace(id string, log *logrus.Entry) {
	if err := p.workspace.Discard(id); err != nil {
		log.WithError(err).Warn("failed to discard working directory")
	}
}

func (p *Pool) discardSource(job *domain.Job, log *logrus.Entry) {
	if p.uploads == nil || job.SourcePath == "" {
		return
	}
	if err := p.uploads.Discard(job.SourcePath); err != nil {
		log.WithError(err).Warn("failed to remove staged upload")
	}
}
