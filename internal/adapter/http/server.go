package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/extractor/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// multipartOverhead is the room left for multipart framing around the file.
const multipartOverhead = 1 << 20

const retryAfterSeconds = 5

// Uploads stages incoming files.
type Uploads interface {
	Stage(ctx context.Context, r io.Reader, declaredName string) (*domain.StagedFile, error)
	Discard(path string) error
	MaxBytes() int64
}

// PoolStats reports worker pool occupancy.
type PoolStats interface {
	Active() int
	Queued() int
}

// Server is the HTTP adapter for the extraction service.
type Server struct {
	svc     *domain.JobService
	uploads Uploads
	stats   PoolStats
	formats []string
	logger  *logrus.Entry
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, uploads Uploads, stats PoolStats, formats []string, addr string, logger *logrus.Entry) *Server {
	s := &Server{
		svc:     svc,
		uploads: uploads,
		stats:   stats,
		formats: formats,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/extract", s.handleExtract)
	s.mux.HandleFunc("GET /api/extract/{id}/download", s.handleDownload)
	s.mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /api/jobs/{id}/result", s.handleResult)
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

type createResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	StatusURL string `json:"status_url"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	JobID        string  `json:"job_id"`
	Status       string  `json:"status"`
	Filename     string  `json:"filename"`
	FileSize     int64   `json:"file_size"`
	FileType     string  `json:"file_type"`
	MIMEType     string  `json:"mime_type"`
	Progress     int     `json:"progress"`
	Extractor    string  `json:"extractor,omitempty"`
	CreatedAt    string  `json:"created_at"`
	StartedAt    *string `json:"started_at"`
	CompletedAt  *string `json:"completed_at"`
	ErrorMessage *string `json:"error_message"`
}

type listResponse struct {
	Jobs  []jobResponse `json:"jobs"`
	Total int           `json:"total"`
}

type resultSummary struct {
	TextLength       int    `json:"text_length"`
	ImagesCount      int    `json:"images_count"`
	HasMetadata      bool   `json:"has_metadata"`
	ExtractionMethod string `json:"extraction_method"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
}

type resultResponse struct {
	JobID         string         `json:"job_id"`
	Status        string         `json:"status"`
	Filename      string         `json:"filename"`
	ResultSummary *resultSummary `json:"result_summary"`
	DownloadURL   *string        `json:"download_url"`
}

type cancelResponse struct {
	JobID   string `json:"job_id"`
	Outcome string `json:"outcome"`
}

type healthResponse struct {
	Status           string   `json:"status"`
	Timestamp        string   `json:"timestamp"`
	Version          string   `json:"version"`
	SupportedFormats []string `json:"supported_formats"`
	ActiveJobs       int      `json:"active_jobs"`
	QueuedJobs       int      `json:"queued_jobs"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes()+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "expected a multipart/form-data upload", err.Error())
		return
	}

	var staged *domain.StagedFile
	for staged == nil {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "no file provided", `missing form field "file"`)
			return
		}
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		staged, err = s.uploads.Stage(r.Context(), part, part.FileName())
		part.Close()
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}

	job, err := s.svc.Submit(r.Context(), staged)
	if err != nil {
		if derr := s.uploads.Discard(staged.Path); derr != nil {
			s.logger.WithError(derr).Warn("failed to discard staged upload")
		}
		s.writeDomainError(w, r, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"filename": job.SourceFilename,
		"size":     humanize.IBytes(uint64(job.SourceSize)),
	}).Info("job submitted")

	s.writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   fmt.Sprintf("Document '%s' submitted for extraction. Use the job_id to check status.", job.SourceFilename),
		StatusURL: "/api/jobs/" + job.ID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter domain.ListFilter

	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > domain.MaxListLimit {
			s.writeError(w, http.StatusBadRequest, "invalid limit", fmt.Sprintf("limit must be between 1 and %d", domain.MaxListLimit))
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("status"); v != "" {
		status, err := domain.ParseStatus(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid status", err.Error())
			return
		}
		filter.Status = &status
	}

	jobs, err := s.svc.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := listResponse{Jobs: make([]jobResponse, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobToResponse(&jobs[i]))
	}
	resp.Total = len(resp.Jobs)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, summary, err := s.svc.Result(r.Context(), r.PathValue("id"))
	if err != nil && job == nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err != nil {
		s.logger.WithField("job_id", job.ID).WithError(err).Warn("failed to read extraction log")
	}

	resp := resultResponse{
		JobID:    job.ID,
		Status:   string(job.Status),
		Filename: job.SourceFilename,
	}
	if job.Status == domain.StatusCompleted {
		url := downloadURL(job.ID)
		resp.DownloadURL = &url
	}
	if summary != nil {
		resp.ResultSummary = &resultSummary{
			TextLength:       summary.TextLength,
			ImagesCount:      summary.ImagesCount,
			HasMetadata:      true,
			ExtractionMethod: summary.Extractor,
			ProcessingTimeMS: summary.DurationMS,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outcome, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.WithFields(logrus.Fields{"job_id": id, "outcome": outcome}).Info("job cancel")
	s.writeJSON(w, http.StatusAccepted, cancelResponse{JobID: id, Outcome: string(outcome)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.WithField("job_id", id).Info("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	path, err := s.svc.Archive(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	name := fmt.Sprintf("%s_%s_results.zip", job.SourceFilename, job.ID)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:           "healthy",
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Version:          Version,
		SupportedFormats: s.formats,
	}
	if s.stats != nil {
		resp.ActiveJobs = s.stats.Active()
		resp.QueuedJobs = s.stats.Queued()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	var verr *domain.ValidationError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &verr):
		switch {
		case errors.Is(verr, domain.ErrUnsupportedType):
			return http.StatusUnsupportedMediaType
		case errors.Is(verr, domain.ErrMaxSizeExceeded):
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotReady),
		errors.Is(err, domain.ErrJobActive),
		errors.Is(err, domain.ErrAlreadyTerminal),
		errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		s.writeError(w, status, "internal error", "")
		return
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	case http.StatusRequestEntityTooLarge:
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			err = &domain.ValidationError{
				Reason: domain.ErrMaxSizeExceeded,
				Detail: "limit is " + humanize.IBytes(uint64(s.uploads.MaxBytes())),
			}
		}
	}
	s.writeError(w, status, http.StatusText(status), err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, detail string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Detail: detail})
}

func downloadURL(id string) string {
	return "/api/extract/" + id + "/download"
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

func fileType(job *domain.Job) string {
	return strings.ToLower(filepath.Ext(job.SourceFilename))
}

func jobToResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Filename:    job.SourceFilename,
		FileSize:    job.SourceSize,
		FileType:    fileType(job),
		MIMEType:    job.SourceMIME,
		Progress:    job.Progress,
		Extractor:   job.Extractor,
		CreatedAt:   job.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:   formatTime(job.StartedAt),
		CompletedAt: formatTime(job.CompletedAt),
	}
	if job.Error != "" {
		resp.ErrorMessage = &job.Error
	}
	return resp
}

// ServeHTTP implements http.Handler and logs every request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   rec.status,
		"duration": time.Since(start),
	}).Debug("request")
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
