package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/document"
	"github.com/jonathan/financial-analyzer/internal/logging"
)

// InterruptedMessage is recorded on jobs that were processing when the server stopped.
const InterruptedMessage = "interrupted by server restart"

// Submitter accepts tasks for asynchronous execution. *Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, task Task) error
}

// RecoveryStats summarizes a Recover pass.
type RecoveryStats struct {
	Failed      int
	Resubmitted int
}

// Recover settles jobs left behind by a previous process. Processing jobs are
// failed and their documents removed; pending jobs are submitted again.
func Recover(ctx context.Context, store db.Store, docs document.Source, sub Submitter, logger zerolog.Logger) (RecoveryStats, error) {
	log := logging.Component(logger, "recovery")
	var stats RecoveryStats

	stuck, err := store.ListJobs(ctx, db.JobFilters{Status: db.StatusProcessing})
	if err != nil {
		return stats, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	for _, job := range stuck {
		jl := log.With().Str(logging.FieldJobID, job.ID.String()).Logger()
		if err := store.FailJob(ctx, job.ID, InterruptedMessage); err != nil {
			jl.Error().Err(err).Msg("failed to mark interrupted job")
			continue
		}
		stats.Failed++
		if job.DocumentPath != "" && docs != nil {
			if err := docs.Remove(job.DocumentPath); err != nil {
				jl.Error().Err(err).Str("path", job.DocumentPath).Msg("failed to remove document")
			}
		}
	}

	pending, err := store.ListJobs(ctx, db.JobFilters{Status: db.StatusPending})
	if err != nil {
		return stats, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	// Oldest first, so resubmitted work keeps its original order.
	for i := len(pending) - 1; i >= 0; i-- {
		job := pending[i]
		if err := sub.Submit(ctx, Task{JobID: job.ID, DocumentPath: job.DocumentPath}); err != nil {
			return stats, fmt.Errorf("failed to resubmit job %s: %w", job.ID, err)
		}
		stats.Resubmitted++
	}

	if stats.Failed > 0 || stats.Resubmitted > 0 {
		log.Info().Int("failed", stats.Failed).Int("resubmitted", stats.Resubmitted).Msg("recovered jobs")
	}
	return stats, nil
}
