package results

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/google/uuid"
)

// JobLookup resolves a job id to its current record.
type JobLookup interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
}

// trashGrace keeps freshly detached directories out of reach of Reconcile
// while the deletion that detached them may still restore them.
const trashGrace = time.Minute

// ReconcileReport counts what a reconciliation pass removed.
type ReconcileReport struct {
	Trash    int
	Orphans  int
	Partials int
}

// Reconcile removes directories that no longer belong to a live job: trash
// left by interrupted deletions (once older than a minute), output
// directories without a completed record, and working directories without
// a processing record.
func (s *Store) Reconcile(ctx context.Context, jobs JobLookup) (ReconcileReport, error) {
	var rep ReconcileReport

	entries, err := os.ReadDir(s.layout.Root())
	if err != nil {
		return rep, err
	}

	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(s.layout.Root(), name)

		if isTrash(name) {
			info, err := e.Info()
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					errs = append(errs, err)
				}
				continue
			}
			if s.now().Sub(info.ModTime()) < trashGrace {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, err)
				continue
			}
			rep.Trash++
			continue
		}

		id, partial := strings.CutSuffix(name, partialSuffix)
		if uuid.Validate(id) != nil {
			continue
		}

		job, err := jobs.Get(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			errs = append(errs, err)
			continue
		}

		if !orphaned(job, partial) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		if partial {
			rep.Partials++
		} else {
			rep.Orphans++
		}
	}
	return rep, errors.Join(errs...)
}

// orphaned decides whether a directory outlived its job. A committed
// directory is kept for processing jobs too, since the worker publishes
// before it records completion.
func orphaned(job *domain.Job, partial bool) bool {
	if job == nil {
		return true
	}
	if partial {
		return job.Status != domain.StatusProcessing
	}
	return job.Status == domain.StatusPending || job.Status == domain.StatusFailed
}
