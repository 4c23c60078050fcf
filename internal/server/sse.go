package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/financial-analyzer/internal/db"
)

// defaultEventPollInterval is how often GET /jobs/{job_id}/events re-reads the job.
const defaultEventPollInterval = time.Second

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// WriteComplete sends the terminal event for a job
func (s *SSEWriter) WriteComplete(jobID uuid.UUID, status db.JobStatus) {
	s.WriteEvent("complete", map[string]string{ //nolint:errcheck
		"job_id": jobID.String(),
		"status": string(status),
	})
}

// jobProgress is what a status event reports a change in.
type jobProgress struct {
	status db.JobStatus
	filled int
}

func progressOf(job *db.Job) jobProgress {
	p := jobProgress{status: job.Status}
	for _, stage := range db.Slots {
		if job.StageResult(stage) != nil {
			p.filled++
		}
	}
	return p
}

// handleJobEvents streams job progress until the job reaches a terminal state
// or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		errorResponse(w, s.logger, http.StatusBadRequest, "Invalid job ID")
		return
	}

	ctx := r.Context()
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to get job")
		errorResponse(w, s.logger, http.StatusInternalServerError, "Internal server error")
		return
	}
	if job == nil {
		errorResponse(w, s.logger, http.StatusNotFound, (&ErrJobNotFound{JobID: id}).Error())
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		errorResponse(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ticker := time.NewTicker(s.eventPollInterval)
	defer ticker.Stop()

	var last jobProgress
	first := true
	for {
		if p := progressOf(job); first || p != last {
			if err := sse.WriteEvent("status", toJobResponse(job)); err != nil {
				return
			}
			first, last = false, p
		}
		if job.Status.Terminal() {
			sse.WriteComplete(job.ID, job.Status)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := s.store.GetJob(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("failed to poll job")
				sse.WriteError("Internal server error")
			}
			return
		}
		if next == nil {
			sse.WriteError("job no longer exists")
			return
		}
		job = next
	}
}
