// Package jobs drives analysis jobs through their lifecycle: claiming, running the
// stage pipeline, persisting results and releasing the uploaded document.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/document"
	"github.com/jonathan/financial-analyzer/internal/logging"
	"github.com/jonathan/financial-analyzer/internal/pipeline"
)

// ErrJobNotClaimable means the job exists but is no longer pending, so another
// runner owns it or it already finished.
var ErrJobNotClaimable = errors.New("job is not pending")

// Task identifies one job execution and the document it owns.
type Task struct {
	JobID        uuid.UUID
	DocumentPath string
}

// Pipeline runs stages against a document. *pipeline.Engine implements it.
type Pipeline interface {
	Run(ctx context.Context, stages []pipeline.Stage, rc *pipeline.RunContext) (pipeline.Results, error)
}

// Runner executes a single job end to end.
type Runner struct {
	store    db.Store
	pipeline Pipeline
	docs     document.Source
	stages   []pipeline.Stage
	logger   zerolog.Logger
}

// NewRunner creates a Runner. A nil stages slice selects the default four stages.
func NewRunner(store db.Store, p Pipeline, docs document.Source, stages []pipeline.Stage, logger zerolog.Logger) *Runner {
	if stages == nil {
		stages = pipeline.DefaultStages()
	}
	return &Runner{
		store:    store,
		pipeline: p,
		docs:     docs,
		stages:   stages,
		logger:   logging.Component(logger, "runner"),
	}
}

// Run claims the job, runs every stage and records the outcome. Each stage result
// is stored as soon as it is produced. Any error escaping the pipeline marks the
// job failed; the partial results stay. Once claimed, the document is removed
// exactly once whatever happens.
func (r *Runner) Run(ctx context.Context, task Task) (err error) {
	log := r.logger.With().Str(logging.FieldJobID, task.JobID.String()).Logger()

	// A store error before the claim leaves the job pending with its document;
	// Recover resubmits it on the next start.
	job, err := r.store.GetJob(ctx, task.JobID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load job, leaving it pending for recovery")
		return fmt.Errorf("failed to load job %s: %w", task.JobID, err)
	}
	path := task.DocumentPath
	if path == "" && job != nil {
		path = job.DocumentPath
	}
	if job == nil {
		log.Warn().Msg("job not found, discarding document")
		r.removeDocument(log, path)
		return nil
	}

	claimed, err := r.store.ClaimJob(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim job, leaving it pending for recovery")
		return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	if !claimed {
		log.Warn().Str("status", string(job.Status)).Msg("job not claimable")
		return fmt.Errorf("%w: job %s", ErrJobNotClaimable, job.ID)
	}
	defer r.removeDocument(log, path)

	// Failure must be recorded even after ctx is cancelled.
	detached := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("job panicked")
			err = fmt.Errorf("job %s panicked: %v", job.ID, p)
			r.fail(detached, log, job.ID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	log.Info().Str("query", job.Query).Msg("job started")

	rc := &pipeline.RunContext{
		DocumentPath: path,
		Query:        job.Query,
		OnStage: func(ctx context.Context, res pipeline.StageResult) error {
			if res.Value == nil {
				return nil
			}
			return r.store.SaveStageResult(ctx, job.ID, res.Stage, res.Value)
		},
	}

	results, err := r.pipeline.Run(ctx, r.stages, rc)
	if err != nil {
		r.fail(detached, log, job.ID, err.Error())
		return fmt.Errorf("job %s failed: %w", job.ID, err)
	}

	if err := r.store.CompleteJob(detached, job.ID, results.Map()); err != nil {
		r.fail(detached, log, job.ID, err.Error())
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	log.Info().
		Int("stages", len(results)).
		Int("failed_stages", countFailed(results)).
		Msg("job completed")
	return nil
}

// fail records a job failure. Errors here are logged and swallowed.
func (r *Runner) fail(ctx context.Context, log zerolog.Logger, id uuid.UUID, message string) {
	if err := r.store.FailJob(ctx, id, message); err != nil {
		log.Error().Err(err).Str("cause", message).Msg("failed to record job failure")
		return
	}
	log.Warn().Str("cause", message).Msg("job failed")
}

func (r *Runner) removeDocument(log zerolog.Logger, path string) {
	if path == "" || r.docs == nil {
		return
	}
	if err := r.docs.Remove(path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to remove document")
	}
}

func countFailed(results pipeline.Results) int {
	n := 0
	for _, res := range results {
		if res.Value == nil {
			n++
		}
	}
	return n
}
