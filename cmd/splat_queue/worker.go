package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jonathan/splat-queue/internal/config"
	"github.com/jonathan/splat-queue/internal/worker"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and process splat jobs",
	Long: `Run a GPU worker. It polls the queue server for jobs, downloads each input
video, runs the reconstruction pipeline (SPLAT_PIPELINE_CMD) and uploads the
result. The worker only talks to the queue server; it needs no database.

On SIGINT or SIGTERM the worker stops claiming, and jobs in flight are reported
failed before it exits.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Jobs processed at once (overrides SPLAT_WORKER_CONCURRENCY)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerConcurrency > 0 {
		cfg.Concurrency = workerConcurrency
	}
	log := newLogger(cfg, "worker")

	runner, err := newRunner(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runner.Run(ctx)
}

// newRunner wires the queue client and the pipeline command into a runner.
func newRunner(cfg *config.ServiceConfig, log zerolog.Logger) (*worker.Runner, error) {
	if err := cfg.RequireWorker(); err != nil {
		return nil, err
	}

	processor, err := worker.NewExecProcessor(cfg.PipelineCommand, log)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline command: %w", err)
	}
	client := worker.NewClient(cfg.QueueURL, cfg.WorkerAPIKey)

	return worker.NewRunner(client, processor, worker.Config{
		Concurrency:     cfg.Concurrency,
		PollInterval:    cfg.PollInterval.Std(),
		MaxPollInterval: cfg.MaxPollInterval.Std(),
		WorkDir:         cfg.WorkDir,
	}, log)
}
