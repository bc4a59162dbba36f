// Package main provides the splat_queue command: the queue API server, the
// GPU worker and the operator tools around them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jonathan/splat-queue/internal/config"
	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "splat_queue",
	Short: "Gaussian splat job queue",
	Long: `splat_queue accepts video uploads, queues them for GPU workers that turn them into
Gaussian splat models, and publishes finished models to a ranked social feed.

Configuration is read from an optional JSON file (--config), then the environment
(.env is loaded if present), then built-in defaults.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json file (environment variables override it)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the service configuration for a command.
func loadConfig() (*config.ServiceConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.ServiceConfig, component string) zerolog.Logger {
	return observability.NewLogger(cfg.AppEnv, cfg.LogLevel).
		With().
		Str("component", component).
		Logger()
}

// openDB connects to the configured database. The caller closes it.
func openDB(ctx context.Context, cfg *config.ServiceConfig) (*db.DB, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return database, nil
}
