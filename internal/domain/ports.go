package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job persistence.
//
// Every transition method is a single atomic write guarded on the current
// status. A guard miss returns ErrJobNotFound or a *TransitionError.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]Job, error)
	FindByStatus(ctx context.Context, status JobStatus) ([]Job, error)
	Start(ctx context.Context, id string, at time.Time) error
	Touch(ctx context.Context, id string, progress int, at time.Time) error
	Complete(ctx context.Context, id string, c Completion, at time.Time) error
	Fail(ctx context.Context, id string, reason string, at time.Time) error
	CancelPending(ctx context.Context, id string, reason string, at time.Time) error
	Delete(ctx context.Context, id string) error
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]Job, error)
	ListStale(ctx context.Context, before time.Time) ([]Job, error)
}

// Dispatcher hands pending jobs to the execution pool.
type Dispatcher interface {
	// Reserve claims a queue place without blocking; it returns
	// ErrUnavailable when saturated.
	Reserve() (Slot, error)
	// Enqueue reserves and fills a place in one step.
	Enqueue(job *Job) error
	// Cancel flags a queued or running job. It reports whether the job
	// was known to this dispatcher.
	Cancel(id string) bool
}

// Slot is a queue place held for one job until it is filled or released.
type Slot interface {
	Fill(job *Job) error
	// Release gives the place back; it is a no-op after Fill.
	Release()
}

// ResultStore owns the per-job output directories.
type ResultStore interface {
	// Detach moves the job's directories out of the results root and
	// returns where they went ("" when there was nothing to move).
	Detach(id string) (string, error)
	Restore(id, detached string) error
	Purge(detached string) error
	Archive(ctx context.Context, job *Job) (string, error)
	Summary(id string) (*ExtractionSummary, error)
}

// Extractor is the driven port for format-specific extraction.
type Extractor interface {
	Name() string
	Formats() []string
	Accepts(mime, ext string) bool
	Extract(ctx context.Context, src, outDir string) (*ExtractionResult, error)
}

// ExtractionResult is what a capability reports back.
type ExtractionResult struct {
	Success    bool
	TextPath   string
	TextLength int
	Metadata   *DocumentMetadata
	Images     []string
	Error      string
}

// DocumentMetadata describes an extracted document.
type DocumentMetadata struct {
	Filename         string         `json:"filename"`
	FileSize         int64          `json:"file_size"`
	FileType         string         `json:"file_type"`
	MIMEType         string         `json:"mime_type"`
	CreatedAt        *time.Time     `json:"creation_date"`
	ModifiedAt       *time.Time     `json:"modification_date"`
	Author           string         `json:"author,omitempty"`
	Title            string         `json:"title,omitempty"`
	Subject          string         `json:"subject,omitempty"`
	Keywords         []string       `json:"keywords"`
	Pages            int            `json:"pages,omitempty"`
	Properties       map[string]any `json:"document_properties"`
	ExtractedAt      time.Time      `json:"extraction_timestamp"`
	ExtractionMethod string         `json:"extraction_method"`
}

// ExtractionSummary is the extraction_log.json payload.
type ExtractionSummary struct {
	JobID       string    `json:"job_id"`
	Filename    string    `json:"filename"`
	Extractor   string    `json:"extractor_used"`
	ExtractedAt time.Time `json:"extraction_timestamp"`
	TextLength  int       `json:"text_length"`
	ImagesCount int       `json:"images_count"`
	DurationMS  int64     `json:"processing_time_ms"`
	Success     bool      `json:"success"`
}
