package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Matcher picks the capability for a detected type.
type Matcher interface {
	Match(mime, ext string) domain.Extractor
}

// Stager validates uploads and stores them under the uploads directory.
type Stager struct {
	dir      string
	maxBytes int64
	matcher  Matcher
	logger   *logrus.Entry
}

// New creates a Stager rooted at dir, creating it if needed.
func New(dir string, maxBytes int64, matcher Matcher, logger *logrus.Entry) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Stager{dir: abs, maxBytes: maxBytes, matcher: matcher, logger: logger}, nil
}

// Dir returns the uploads directory.
func (s *Stager) Dir() string { return s.dir }

// MaxBytes returns the upload size limit.
func (s *Stager) MaxBytes() int64 { return s.maxBytes }

// Stage streams r to disk, enforcing the size limit and the supported type
// set. Rejected uploads leave nothing behind.
func (s *Stager) Stage(ctx context.Context, r io.Reader, declaredName string) (*domain.StagedFile, error) {
	name := SanitizeFilename(declaredName)
	ext := strings.ToLower(filepath.Ext(name))
	token := uuid.NewString()

	tmp := filepath.Join(s.dir, token+".upload")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(&ctxReader{ctx: ctx, r: r}, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write staged file: %w", err)
	}

	if n > s.maxBytes {
		os.Remove(tmp)
		return nil, s.reject(name, &domain.ValidationError{
			Reason: domain.ErrMaxSizeExceeded,
			Detail: "limit is " + humanize.IBytes(uint64(s.maxBytes)),
		})
	}
	if n == 0 {
		os.Remove(tmp)
		return nil, s.reject(name, &domain.ValidationError{Reason: domain.ErrEmptyUpload, Detail: name})
	}

	sum := hex.EncodeToString(h.Sum(nil))
	final := filepath.Join(s.dir, fmt.Sprintf("%s-%s%s", token, sum[:12], ext))
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("finalise staged file: %w", err)
	}

	mt, err := mimetype.DetectFile(final)
	if err != nil {
		os.Remove(final)
		return nil, fmt.Errorf("detect type: %w", err)
	}
	if s.match(mt, ext) == nil {
		os.Remove(final)
		label := ext
		if label == "" {
			label = "no extension"
		}
		return nil, s.reject(name, &domain.ValidationError{
			Reason: domain.ErrUnsupportedType,
			Detail: fmt.Sprintf("%s detected as %s", label, mt.String()),
		})
	}

	s.logger.WithFields(logrus.Fields{
		"filename": name,
		"size":     humanize.IBytes(uint64(n)),
		"mime":     mt.String(),
	}).Debug("upload staged")

	return &domain.StagedFile{
		Path:     final,
		Filename: name,
		Ext:      ext,
		Size:     n,
		MIME:     mt.String(),
		SHA256:   sum,
	}, nil
}

// match tries the detected type, then its ancestors, so that text formats
// detected more specifically still reach the plain-text rules.
func (s *Stager) match(mt *mimetype.MIME, ext string) domain.Extractor {
	for m := mt; m != nil; m = m.Parent() {
		if e := s.matcher.Match(m.String(), ext); e != nil {
			return e
		}
	}
	return nil
}

func (s *Stager) reject(name string, err error) error {
	s.logger.WithField("filename", name).WithError(err).Info("upload rejected")
	return err
}

// Discard removes a staged file. Paths outside the uploads directory are
// ignored.
func (s *Stager) Discard(path string) error {
	if path == "" || filepath.Dir(path) != s.dir {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Purge removes staged files last modified before cutoff unless keep lists
// them. It returns the number removed.
func (s *Stager) Purge(cutoff time.Time, keep map[string]bool) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if keep[path] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

var (
	unsafeChars = regexp.MustCompile(`[^\w\-.]`)
	underscores = regexp.MustCompile(`_+`)
)

// SanitizeFilename replaces everything but word characters, dashes and dots
// with underscores and guarantees a usable name.
func SanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = underscores.ReplaceAllString(name, "_")
	if name == "" || strings.HasPrefix(name, ".") {
		name = "document" + name
	}
	return name
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
