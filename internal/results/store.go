package results

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Store owns the per-job output directories under the results root.
type Store struct {
	layout   Layout
	logger   *logrus.Entry
	archives singleflight.Group
	now      func() time.Time
}

// NewStore creates a Store rooted at root, creating it if needed.
func NewStore(root string, logger *logrus.Entry) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &Store{layout: NewLayout(abs), logger: logger, now: time.Now}, nil
}

// Layout returns the path mapping used by the store.
func (s *Store) Layout() Layout { return s.layout }

// Prepare creates an empty working directory for a job.
func (s *Store) Prepare(id string) (string, error) {
	dir := s.layout.PartialDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Commit publishes a job's working directory as its output directory.
func (s *Store) Commit(id string) (string, error) {
	dir := s.layout.Dir(id)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.Rename(s.layout.PartialDir(id), dir); err != nil {
		return "", fmt.Errorf("publish results: %w", err)
	}
	return dir, nil
}

// Discard removes both the working and the output directory of a job.
func (s *Store) Discard(id string) error {
	return errors.Join(
		os.RemoveAll(s.layout.PartialDir(id)),
		os.RemoveAll(s.layout.Dir(id)),
	)
}

// Detach moves a job's directories into a fresh trash directory and returns
// its path, or "" when the job has no directories.
func (s *Store) Detach(id string) (string, error) {
	moves := map[string]string{
		s.layout.Dir(id):        "out",
		s.layout.PartialDir(id): "partial",
	}

	trash := filepath.Join(s.layout.Root(), trashPrefix+id+"-"+uuid.NewString()[:8])
	created := false
	for src, name := range moves {
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return "", err
		}
		if !created {
			if err := os.Mkdir(trash, 0o755); err != nil {
				return "", err
			}
			created = true
		}
		if err := os.Rename(src, filepath.Join(trash, name)); err != nil {
			return "", errors.Join(err, s.Restore(id, trash))
		}
	}
	if !created {
		return "", nil
	}
	return trash, nil
}

// Restore moves detached directories back into place.
func (s *Store) Restore(id, detached string) error {
	if !s.layout.inRoot(detached) || !isTrash(filepath.Base(detached)) {
		return fmt.Errorf("refusing to restore from %s", detached)
	}
	targets := map[string]string{
		"out":     s.layout.Dir(id),
		"partial": s.layout.PartialDir(id),
	}
	for name, dst := range targets {
		src := filepath.Join(detached, name)
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return os.Remove(detached)
}

// Purge deletes a detached trash directory.
func (s *Store) Purge(detached string) error {
	if !s.layout.inRoot(detached) || !isTrash(filepath.Base(detached)) {
		return fmt.Errorf("refusing to purge %s", detached)
	}
	return os.RemoveAll(detached)
}
