package server

import (
	"errors"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/jobs"
	"github.com/jonathan/financial-analyzer/internal/logging"
	"github.com/jonathan/financial-analyzer/internal/server/middleware"
)

// submitMessage tells clients how to follow a job.
const submitMessage = "Document submitted. Poll GET /jobs/{job_id} for results."

// multipartMemory is how much of a multipart body is kept in memory before spilling to disk.
const multipartMemory = 8 << 20

// SubmitResponse is returned by POST /analyze.
type SubmitResponse struct {
	JobID     uuid.UUID    `json:"job_id"`
	Status    db.JobStatus `json:"status"`
	Message   string       `json:"message"`
	Filename  string       `json:"filename"`
	Query     string       `json:"query"`
	CreatedAt time.Time    `json:"created_at"`
}

// jobResponse is a job snapshot as served to clients.
type jobResponse struct {
	*db.Job
	ProcessingTimeSeconds *float64 `json:"processing_time_seconds"`
}

// JobListResponse is returned by GET /jobs.
type JobListResponse struct {
	Total int           `json:"total"`
	Jobs  []jobResponse `json:"jobs"`
}

func toJobResponse(job *db.Job) jobResponse {
	resp := jobResponse{Job: job}
	if d := job.ProcessingTime(); d != nil {
		secs := math.Round(d.Seconds()*1000) / 1000
		resp.ProcessingTimeSeconds = &secs
	}
	return resp
}

func toJobResponses(list []db.Job) []jobResponse {
	out := make([]jobResponse, 0, len(list))
	for i := range list {
		out = append(out, toJobResponse(&list[i]))
	}
	return out
}

// handleAnalyze accepts a PDF upload and queues an analysis job.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	// Room for the other form fields on top of the file itself
	bodyLimit := s.maxUploadBytes + 1<<20
	if r.ContentLength > bodyLimit {
		errorResponse(w, s.logger, http.StatusRequestEntityTooLarge, "File exceeds upload limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			errorResponse(w, s.logger, http.StatusRequestEntityTooLarge, "File exceeds upload limit")
			return
		}
		errorResponse(w, s.logger, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		errorResponse(w, s.logger, http.StatusBadRequest, "A PDF file is required in the 'file' field")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		errorResponse(w, s.logger, http.StatusBadRequest, "Only PDF files are supported")
		return
	}

	query := strings.TrimSpace(r.FormValue("query"))
	if query == "" {
		query = s.defaultQuery
	}

	userID, ok := s.submissionOwner(w, r)
	if !ok {
		return
	}

	path, err := s.uploads.Save(file, s.maxUploadBytes)
	if err != nil {
		status := HTTPStatus(err)
		if status == http.StatusRequestEntityTooLarge {
			errorResponse(w, s.logger, status, "File exceeds upload limit")
			return
		}
		s.logger.Error().Err(err).Msg("failed to save upload")
		errorResponse(w, s.logger, http.StatusInternalServerError, "Failed to save uploaded file")
		return
	}

	job, err := s.store.CreateJob(r.Context(), db.NewJob{
		UserID:       userID,
		Filename:     filename,
		Query:        query,
		DocumentPath: path,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create job")
		if rmErr := s.uploads.Remove(path); rmErr != nil {
			s.logger.Error().Err(rmErr).Str("path", path).Msg("failed to remove upload")
		}
		errorResponse(w, s.logger, http.StatusInternalServerError, "Failed to create job")
		return
	}

	log := s.logger.With().Str(logging.FieldJobID, job.ID.String()).Logger()
	if err := s.submitter.Submit(r.Context(), jobs.Task{JobID: job.ID, DocumentPath: path}); err != nil {
		// The job stays pending and is picked up again on the next start.
		log.Warn().Err(err).Msg("failed to queue job")
	} else {
		log.Info().Str("filename", filename).Msg("job submitted")
	}

	jsonResponse(w, s.logger, http.StatusAccepted, SubmitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Message:   submitMessage,
		Filename:  job.Filename,
		Query:     job.Query,
		CreatedAt: job.CreatedAt,
	})
}

// submissionOwner resolves the optional owner of a submission: the user_id form
// field if present, otherwise the authenticated user. It writes the error
// response itself and reports false when the request must stop.
func (s *Server) submissionOwner(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := strings.TrimSpace(r.FormValue("user_id"))
	if raw == "" {
		if id, err := middleware.GetUserID(r); err == nil {
			return &id, true
		}
		return nil, true
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		errorResponse(w, s.logger, http.StatusBadRequest, "Invalid user_id format")
		return nil, false
	}
	exists, err := s.userService.Exists(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to look up user")
		errorResponse(w, s.logger, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}
	if !exists {
		errorResponse(w, s.logger, http.StatusNotFound, "User not found")
		return nil, false
	}
	return &id, true
}

// handleGetJob returns one job snapshot.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		errorResponse(w, s.logger, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to get job")
		errorResponse(w, s.logger, http.StatusInternalServerError, "Internal server error")
		return
	}
	if job == nil {
		errorResponse(w, s.logger, http.StatusNotFound, (&ErrJobNotFound{JobID: id}).Error())
		return
	}

	jsonResponse(w, s.logger, http.StatusOK, toJobResponse(job))
}

// handleListJobs lists jobs, newest first, optionally filtered by user_id and status.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filters db.JobFilters

	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			errorResponse(w, s.logger, http.StatusBadRequest, "Invalid user_id format")
			return
		}
		filters.UserID = &id
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := db.JobStatus(raw)
		if !status.Valid() {
			errorResponse(w, s.logger, http.StatusBadRequest, "Invalid status: must be one of pending, processing, completed, failed")
			return
		}
		filters.Status = status
	}

	list, err := s.store.ListJobs(r.Context(), filters)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list jobs")
		errorResponse(w, s.logger, http.StatusInternalServerError, "Internal server error")
		return
	}

	jsonResponse(w, s.logger, http.StatusOK, JobListResponse{
		Total: len(list),
		Jobs:  toJobResponses(list),
	})
}

// handleGetUser returns a user profile with job history.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		errorResponse(w, s.logger, http.StatusBadRequest, "Invalid user ID")
		return
	}

	profile, err := s.userService.Profile(r.Context(), id)
	if err != nil {
		status := HTTPStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error().Err(err).Msg("failed to load user profile")
			errorResponse(w, s.logger, status, "Internal server error")
			return
		}
		errorResponse(w, s.logger, status, "User not found")
		return
	}

	jsonResponse(w, s.logger, http.StatusOK, profile)
}
