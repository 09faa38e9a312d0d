package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CancelOutcome describes what a cancellation request achieved.
type CancelOutcome string

const (
	// CancelDequeued means the job never started and is now failed.
	CancelDequeued CancelOutcome = "cancelled"
	// CancelRequested means the job is running; the worker stops at its
	// next checkpoint but may still complete.
	CancelRequested CancelOutcome = "cancel_requested"
)

// RecoveryReport summarises the startup reconciliation pass.
type RecoveryReport struct {
	Failed   int
	Requeued int
}

// JobService orchestrates the job lifecycle.
type JobService struct {
	repo       JobRepository
	dispatcher Dispatcher
	results    ResultStore
	locks      *lockSet
	now        func() time.Time
}

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository, dispatcher Dispatcher, results ResultStore) *JobService {
	return &JobService{
		repo:       repo,
		dispatcher: dispatcher,
		results:    results,
		locks:      newLockSet(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit reserves a queue place, persists a pending job for the staged file
// and enqueues it. A saturated queue yields ErrUnavailable before anything
// is written.
func (s *JobService) Submit(ctx context.Context, staged *StagedFile) (*Job, error) {
	if staged == nil || staged.Path == "" {
		return nil, &ValidationError{Reason: ErrEmptyUpload, Detail: "no staged file"}
	}

	slot, err := s.dispatcher.Reserve()
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	job := NewJob(staged, s.now())
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	// Fill only fails once the pool has stopped taking work.
	if err := slot.Fill(job); err != nil {
		derr := s.repo.Delete(context.WithoutCancel(ctx), job.ID)
		if derr != nil && !errors.Is(derr, ErrJobNotFound) {
			return nil, errors.Join(err, fmt.Errorf("roll back job %s: %w", job.ID, derr))
		}
		return nil, err
	}
	return job, nil
}

// Get retrieves the latest committed state of a job.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs, newest first.
func (s *JobService) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	return s.repo.List(ctx, filter.Normalize())
}

// Cancel stops a job that has not started, or asks a running one to stop.
func (s *JobService) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status.IsTerminal() {
		return "", ErrAlreadyTerminal
	}

	if job.Status == StatusPending {
		err := s.repo.CancelPending(ctx, id, Diagnostic(ReasonCancelled, "cancelled before processing started"), s.now())
		if err == nil {
			s.dispatcher.Cancel(id)
			return CancelDequeued, nil
		}
		if !errors.Is(err, ErrIllegalTransition) {
			return "", err
		}
		// Lost the race with a worker; re-read to see where it went.
		if job, err = s.repo.Get(ctx, id); err != nil {
			return "", err
		}
		if job.Status.IsTerminal() {
			return "", ErrAlreadyTerminal
		}
	}

	s.dispatcher.Cancel(id)
	return CancelRequested, nil
}

// Delete removes a finished job's record and output directory together.
func (s *JobService) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return ErrJobActive
	}
	return s.remove(ctx, id)
}

// remove detaches the directories first so that a failed record delete can
// put them back. Callers hold the job lock.
func (s *JobService) remove(ctx context.Context, id string) error {
	detached, err := s.results.Detach(id)
	if err != nil {
		return fmt.Errorf("detach results of %s: %w", id, err)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if detached == "" {
			return err
		}
		if errors.Is(err, ErrJobNotFound) {
			return errors.Join(err, s.results.Purge(detached))
		}
		if rerr := s.results.Restore(id, detached); rerr != nil {
			return errors.Join(err, fmt.Errorf("restore results of %s: %w", id, rerr))
		}
		return err
	}

	if detached != "" {
		if err := s.results.Purge(detached); err != nil {
			return fmt.Errorf("purge results of %s: %w", id, err)
		}
	}
	return nil
}

// Archive returns the downloadable archive of a completed job, building it
// on first request.
func (s *JobService) Archive(ctx context.Context, id string) (string, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != StatusCompleted {
		return "", ErrNotReady
	}
	return s.results.Archive(ctx, job)
}

// Result returns a job with its extraction summary when completed.
func (s *JobService) Result(ctx context.Context, id string) (*Job, *ExtractionSummary, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != StatusCompleted {
		return job, nil, nil
	}
	summary, err := s.results.Summary(id)
	if err != nil {
		return job, nil, fmt.Errorf("read summary of %s: %w", id, err)
	}
	return job, summary, nil
}

// Recover reconciles the store with an empty process: jobs left processing
// by a previous run are failed, pending jobs are enqueued again.
func (s *JobService) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport

	processing, err := s.repo.FindByStatus(ctx, StatusProcessing)
	if err != nil {
		return rep, fmt.Errorf("find processing jobs: %w", err)
	}
	for _, job := range processing {
		reason := Diagnostic(ReasonRecovered, "service restarted while the job was processing")
		if err := s.repo.Fail(ctx, job.ID, reason, s.now()); err != nil {
			if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrJobNotFound) {
				continue
			}
			return rep, fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		rep.Failed++
	}

	pending, err := s.repo.FindByStatus(ctx, StatusPending)
	if err != nil {
		return rep, fmt.Errorf("find pending jobs: %w", err)
	}
	for i := range pending {
		job := &pending[i]
		if err := s.dispatcher.Enqueue(job); err != nil {
			reason := Diagnostic(ReasonRecovered, "could not requeue after restart: "+err.Error())
			if ferr := s.repo.Fail(ctx, job.ID, reason, s.now()); ferr != nil {
				if errors.Is(ferr, ErrIllegalTransition) || errors.Is(ferr, ErrJobNotFound) {
					continue
				}
				return rep, fmt.Errorf("fail job %s: %w", job.ID, ferr)
			}
			rep.Failed++
			continue
		}
		rep.Requeued++
	}
	return rep, nil
}

// ExpireOlderThan deletes every job created at or before cutoff, whatever
// its status. Running jobs are told to stop first.
func (s *JobService) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := s.repo.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired jobs: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, job := range jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !job.Status.IsTerminal() {
			s.dispatcher.Cancel(job.ID)
		}
		unlock := s.locks.lock(job.ID)
		err := s.remove(ctx, job.ID)
		unlock()
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// FailStale fails processing jobs whose heartbeat stopped before the given
// time; their worker is presumed dead.
func (s *JobService) FailStale(ctx context.Context, before time.Time) (int, error) {
	jobs, err := s.repo.ListStale(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	var failed int
	for _, job := range jobs {
		reason := Diagnostic(ReasonRecovered, fmt.Sprintf("no progress since %s, worker presumed crashed",
			job.UpdatedAt.UTC().Format(time.RFC3339)))
		if err := s.repo.Fail(ctx, job.ID, reason, s.now()); err != nil {
			if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrJobNotFound) {
				continue
			}
			return failed, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		s.dispatcher.Cancel(job.ID)
		failed++
	}
	return failed, nil
}

// lockSet hands out one mutex per job id so that operations on the same job
// serialise without blocking unrelated jobs.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*refLock)}
}

func (l *lockSet) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
