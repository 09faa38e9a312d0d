package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/extractor/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    status          TEXT NOT NULL DEFAULT 'pending',
    source_filename TEXT NOT NULL,
    source_path     TEXT NOT NULL,
    source_size     INTEGER NOT NULL DEFAULT 0,
    source_mime     TEXT NOT NULL DEFAULT '',
    source_sha256   TEXT NOT NULL DEFAULT '',
    extractor       TEXT NOT NULL DEFAULT '',
    progress        INTEGER NOT NULL DEFAULT 0,
    error           TEXT,
    text_length     INTEGER NOT NULL DEFAULT 0,
    images_count    INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    started_at      INTEGER,
    completed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

const columns = `id, status, source_filename, source_path, source_size, source_mime,
	source_sha256, extractor, progress, COALESCE(error, ''), text_length, images_count,
	created_at, updated_at, started_at, completed_at`

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+pragmas)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new pending job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, source_filename, source_path, source_size, source_mime,
		 source_sha256, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, domain.StatusPending, job.SourceFilename, job.SourcePath, job.SourceSize,
		job.SourceMIME, job.SourceSHA256, job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	return err
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List returns jobs newest first, optionally filtered by status.
func (r *Repository) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	filter = filter.Normalize()
	if filter.Status != nil {
		return r.query(ctx,
			`SELECT `+columns+` FROM jobs WHERE status = ? ORDER BY created_at DESC, id LIMIT ?`,
			*filter.Status, filter.Limit)
	}
	return r.query(ctx, `SELECT `+columns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, filter.Limit)
}

// FindByStatus returns every job in the given status, oldest first.
func (r *Repository) FindByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+columns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id`, status)
}

// Start moves a pending job to processing.
func (r *Repository) Start(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, domain.StatusProcessing,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusProcessing, at.UnixNano(), at.UnixNano(), id, domain.StatusPending)
}

// Touch records progress and refreshes the heartbeat of a processing job.
func (r *Repository) Touch(ctx context.Context, id string, progress int, at time.Time) error {
	progress = min(max(progress, 0), 100)
	return r.transition(ctx, id, domain.StatusProcessing,
		`UPDATE jobs SET progress = MAX(progress, ?), updated_at = ?
		 WHERE id = ? AND status = ?`,
		progress, at.UnixNano(), id, domain.StatusProcessing)
}

// Complete marks a processing job as completed.
func (r *Repository) Complete(ctx context.Context, id string, c domain.Completion, at time.Time) error {
	return r.transition(ctx, id, domain.StatusCompleted,
		`UPDATE jobs SET status = ?, extractor = ?, text_length = ?, images_count = ?,
		 progress = 100, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusCompleted, c.Extractor, c.TextLength, c.ImagesCount,
		at.UnixNano(), at.UnixNano(), id, domain.StatusProcessing)
}

// Fail marks a pending or processing job as failed. An existing error text
// is kept.
func (r *Repository) Fail(ctx context.Context, id string, reason string, at time.Time) error {
	return r.transition(ctx, id, domain.StatusFailed,
		`UPDATE jobs SET status = ?, error = COALESCE(error, ?), completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.StatusFailed, reason, at.UnixNano(), at.UnixNano(),
		id, domain.StatusPending, domain.StatusProcessing)
}

// CancelPending fails a job only if it has not started.
func (r *Repository) CancelPending(ctx context.Context, id string, reason string, at time.Time) error {
	return r.transition(ctx, id, domain.StatusFailed,
		`UPDATE jobs SET status = ?, error = COALESCE(error, ?), completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusFailed, reason, at.UnixNano(), at.UnixNano(), id, domain.StatusPending)
}

// Delete removes a job record.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ListOlderThan returns jobs created at or before cutoff.
func (r *Repository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+columns+` FROM jobs WHERE created_at <= ? ORDER BY created_at ASC, id`,
		cutoff.UnixNano())
}

// ListStale returns processing jobs whose heartbeat is older than before.
func (r *Repository) ListStale(ctx context.Context, before time.Time) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+columns+` FROM jobs WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC, id`,
		domain.StatusProcessing, before.UnixNano())
}

// SourcePaths returns the staged paths still referenced by active jobs.
func (r *Repository) SourcePaths(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT source_path FROM jobs WHERE status IN (?, ?)`,
		domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths[p] = true
	}
	return paths, rows.Err()
}

// transition runs a guarded update. When no row matches it tells a missing
// job apart from one in the wrong state.
func (r *Repository) transition(ctx context.Context, id string, to domain.JobStatus, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return &domain.TransitionError{ID: id, From: domain.JobStatus(current), To: to}
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                domain.Job
		status             string
		created, updated   int64
		started, completed sql.NullInt64
	)
	err := row.Scan(&job.ID, &status, &job.SourceFilename, &job.SourcePath, &job.SourceSize,
		&job.SourceMIME, &job.SourceSHA256, &job.Extractor, &job.Progress, &job.Error,
		&job.TextLength, &job.ImagesCount, &created, &updated, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	job.StartedAt = nullTime(started)
	job.CompletedAt = nullTime(completed)
	return &job, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
