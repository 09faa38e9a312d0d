package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/cwygoda/extractor/internal/results"
	"github.com/sirupsen/logrus"
)

// Lifecycle is the part of the job service the sweeper drives.
type Lifecycle interface {
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	FailStale(ctx context.Context, before time.Time) (int, error)
}

// Reconciler removes result directories that outlived their jobs.
type Reconciler interface {
	Reconcile(ctx context.Context, jobs results.JobLookup) (results.ReconcileReport, error)
}

// SourceIndex reports which jobs exist and which staged files they still need.
type SourceIndex interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	SourcePaths(ctx context.Context) (map[string]bool, error)
}

// UploadPurger removes stale staged uploads.
type UploadPurger interface {
	Purge(cutoff time.Time, keep map[string]bool) (int, error)
}

// SweepConfig holds the sweeper's age limits.
type SweepConfig struct {
	Retention        time.Duration
	StaleAfter       time.Duration
	UploadsRetention time.Duration
}

// Interval derives the tick period from the retention: a 24th of it,
// clamped to [1m, 1h].
func (c SweepConfig) Interval() time.Duration {
	return min(max(c.Retention/24, time.Minute), time.Hour)
}

// SweepReport counts what one sweep removed or failed.
type SweepReport struct {
	Expired   int
	Stale     int
	Reconcile results.ReconcileReport
	Uploads   int
}

// Sweeper periodically expires old jobs and removes leftovers.
type Sweeper struct {
	jobs       Lifecycle
	index      SourceIndex
	reconciler Reconciler
	uploads    UploadPurger
	cfg        SweepConfig
	logger     *logrus.Entry
	now        func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(jobs Lifecycle, index SourceIndex, reconciler Reconciler, uploads UploadPurger, cfg SweepConfig, logger *logrus.Entry) *Sweeper {
	return &Sweeper{
		jobs:       jobs,
		index:      index,
		reconciler: reconciler,
		uploads:    uploads,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.Interval()
	s.logger.WithFields(logrus.Fields{
		"interval":  interval,
		"retention": s.cfg.Retention,
	}).Info("sweeper started")

	s.sweepAndLog(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper shutting down")
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	rep, err := s.Sweep(ctx)
	log := s.logger.WithFields(logrus.Fields{
		"expired":  rep.Expired,
		"stale":    rep.Stale,
		"trash":    rep.Reconcile.Trash,
		"orphans":  rep.Reconcile.Orphans,
		"partials": rep.Reconcile.Partials,
		"uploads":  rep.Uploads,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Error("sweep incomplete")
		return
	}
	if rep != (SweepReport{}) {
		log.Info("sweep finished")
		return
	}
	log.Debug("sweep found nothing to do")
}

// Sweep runs one cleanup pass. Every step runs even if an earlier one fails.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	var errs []error
	now := s.now()

	n, err := s.jobs.ExpireOlderThan(ctx, now.Add(-s.cfg.Retention))
	rep.Expired = n
	if err != nil {
		errs = append(errs, fmt.Errorf("expire jobs: %w", err))
	}

	if s.cfg.StaleAfter > 0 {
		n, err = s.jobs.FailStale(ctx, now.Add(-s.cfg.StaleAfter))
		rep.Stale = n
		if err != nil {
			errs = append(errs, fmt.Errorf("fail stale jobs: %w", err))
		}
	}

	rep.Reconcile, err = s.reconciler.Reconcile(ctx, s.index)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile results: %w", err))
	}

	keep, err := s.index.SourcePaths(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list staged sources: %w", err))
	} else {
		rep.Uploads, err = s.uploads.Purge(now.Add(-s.cfg.UploadsRetention), keep)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge uploads: %w", err))
		}
	}

	return rep, errors.Join(errs...)
}
