package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/document"
	"github.com/jonathan/financial-analyzer/internal/jobs"
	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/logging"
	"github.com/jonathan/financial-analyzer/internal/pipeline"
	"github.com/jonathan/financial-analyzer/internal/server"
)

// drainTimeout bounds how long running jobs get to finish on shutdown.
const drainTimeout = 2 * time.Minute

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Apply migrations, recover jobs interrupted by a previous shutdown, start the job
workers and serve the REST API until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireModel(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close database")
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	docs, err := document.NewStore(cfg.UploadDir)
	if err != nil {
		return err
	}

	llmConfig := llm.ConfigFromApp(cfg)
	client, err := llm.NewClient(ctx, llmConfig, cfg.GoogleAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer client.Close() //nolint:errcheck

	reasoner := llm.NewReasoner(client, llmConfig, logging.Component(logger, "llm"))
	engine := pipeline.NewEngine(docs, reasoner, logger)
	runner := jobs.NewRunner(store, engine, docs, nil, logger)

	// Jobs outlive the signal; they are cancelled only if draining takes too long.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	dispatcher := jobs.NewDispatcher(runner, logger,
		jobs.WithWorkers(cfg.Workers),
		jobs.WithQueueSize(cfg.QueueSize),
		jobs.WithBaseContext(jobCtx),
	)
	// Deferred after the store and client so it runs before they close.
	defer stopJobs(dispatcher, cancelJobs, drainTimeout, logger)

	stats, err := jobs.Recover(ctx, store, docs, dispatcher, logger)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	logger.Info().
		Int("failed", stats.Failed).
		Int("resubmitted", stats.Resubmitted).
		Msg("startup recovery complete")

	srv, err := server.New(cfg, server.Deps{
		Store:     store,
		Uploads:   docs,
		Submitter: dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}

// stopJobs drains the dispatcher, cancelling jobs still running after timeout.
// It returns only once every worker has exited.
func stopJobs(d *jobs.Dispatcher, cancelJobs context.CancelFunc, timeout time.Duration, logger zerolog.Logger) {
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("cancelling unfinished jobs")
		cancelJobs()
		d.Wait()
	}
	logger.Info().Msg("job workers stopped")
}
