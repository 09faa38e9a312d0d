package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a string into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Job represents a document extraction job.
type Job struct {
	ID             string
	Status         JobStatus
	SourceFilename string
	SourcePath     string
	SourceSize     int64
	SourceMIME     string
	SourceSHA256   string
	Extractor      string
	Progress       int
	Error          string
	TextLength     int
	ImagesCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// NewJobID returns a fresh opaque job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// NewJob builds a pending job for a staged upload.
func NewJob(staged *StagedFile, now time.Time) *Job {
	return &Job{
		ID:             NewJobID(),
		Status:         StatusPending,
		SourceFilename: staged.Filename,
		SourcePath:     staged.Path,
		SourceSize:     staged.Size,
		SourceMIME:     staged.MIME,
		SourceSHA256:   staged.SHA256,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// StagedFile is a validated upload waiting for a job.
type StagedFile struct {
	Path     string
	Filename string
	Ext      string
	Size     int64
	MIME     string
	SHA256   string
}

// Completion carries the figures recorded on a successful job.
type Completion struct {
	Extractor   string
	TextLength  int
	ImagesCount int
}

// ListFilter narrows List results.
type ListFilter struct {
	Status *JobStatus
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Normalize clamps the limit into [1, MaxListLimit].
func (f ListFilter) Normalize() ListFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return f
}
