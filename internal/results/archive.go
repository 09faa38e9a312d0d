package results

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/extractor/internal/domain"
)

// Archive returns the zip of a completed job's output directory, building it
// on first use. Concurrent callers for the same job share one build.
func (s *Store) Archive(ctx context.Context, job *domain.Job) (string, error) {
	if job.Status != domain.StatusCompleted {
		return "", domain.ErrNotReady
	}

	path := s.layout.ArchivePath(job.ID)
	v, err, _ := s.archives.Do(job.ID, func() (any, error) {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		modified := job.UpdatedAt
		if job.CompletedAt != nil {
			modified = *job.CompletedAt
		}
		if err := s.buildArchive(ctx, s.layout.Dir(job.ID), path, modified); err != nil {
			return "", err
		}
		s.logger.WithField("job_id", job.ID).Debug("archive built")
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) buildArchive(ctx context.Context, dir, dst string, modified time.Time) (err error) {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("results directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, archiveTemp+"*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	skip := map[string]bool{filepath.Base(dst): true}

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if skip[name] || strings.HasPrefix(name, archiveTemp) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return addFile(zw, p, filepath.ToSlash(rel), modified)
	})
	if walkErr != nil {
		return walkErr
	}

	if err := zw.Close(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return errors.Join(err, os.Remove(tmp.Name()))
	}
	return nil
}

func addFile(zw *zip.Writer, src, name string, modified time.Time) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
