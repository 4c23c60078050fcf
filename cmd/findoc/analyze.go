package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/financial-analyzer/internal/document"
	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/logging"
	"github.com/jonathan/financial-analyzer/internal/observability"
	"github.com/jonathan/financial-analyzer/internal/pipeline"
)

var (
	analyzeFile    string
	analyzeQuery   string
	analyzeVerbose bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the analysis pipeline once against a local PDF",
	Long: `Run the four analysis stages against a local PDF and print the stage results as JSON.
Nothing is stored and the file is left in place.`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeFile, "file", "f", "", "Path to the PDF to analyze (required)")
	analyzeCmd.Flags().StringVarP(&analyzeQuery, "query", "q", "", "Question to answer (defaults to the configured default query)")
	analyzeCmd.Flags().BoolVarP(&analyzeVerbose, "verbose", "v", false, "Print a readable summary of each stage to stderr")
	_ = analyzeCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireModel(); err != nil {
		return err
	}

	path, err := filepath.Abs(analyzeFile)
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot read %s: %w", analyzeFile, err)
	}

	query := strings.TrimSpace(analyzeQuery)
	if query == "" {
		query = cfg.DefaultQuery
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// The store only reads here; nothing calls Remove.
	docs, err := document.NewStore(filepath.Dir(path))
	if err != nil {
		return err
	}

	llmConfig := llm.ConfigFromApp(cfg)
	client, err := llm.NewClient(ctx, llmConfig, cfg.GoogleAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer client.Close() //nolint:errcheck

	engine := pipeline.NewEngine(docs, llm.NewReasoner(client, llmConfig, logging.Component(logger, "llm")), logger)
	results, err := engine.Run(ctx, pipeline.DefaultStages(), &pipeline.RunContext{
		DocumentPath: path,
		Query:        query,
	})
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if analyzeVerbose {
		printer := observability.NewPrinter(cmd.ErrOrStderr())
		printer.PrintRunSummary(results)
		printer.PrintResults(results)
	}

	return printResults(cmd, results)
}

// printResults writes the stage results map as indented JSON. Failed stages are null.
func printResults(cmd *cobra.Command, results pipeline.Results) error {
	out := make(map[string]json.RawMessage, len(results))
	for _, stage := range pipeline.StageNames(pipeline.DefaultStages()) {
		out[stage] = json.RawMessage("null")
	}
	for stage, value := range results.Map() {
		if value != nil {
			out[stage] = value
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
