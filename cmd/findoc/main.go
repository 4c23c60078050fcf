// Package main provides the entry point for the Financial Document Analyzer.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonathan/financial-analyzer/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "findoc",
	Short: "Financial Document Analyzer",
	Long: `Financial Document Analyzer accepts financial PDFs, runs them through four model-backed
analysis stages (verification, financial analysis, investment analysis, risk assessment)
and serves the results over a REST API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML/JSON config file (environment variables take precedence)")
}

// loadConfig reads configuration for the current command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
