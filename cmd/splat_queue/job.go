package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/observability"
)

var (
	jobListStatus string
	jobListLimit  int
	jobListOffset int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs in the queue",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's status and stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}
		return withJobStore(cmd, func(store jobReader) error {
			return showJob(cmd.Context(), store, id, cmd.OutOrStdout())
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filters, err := jobListFilters()
		if err != nil {
			return err
		}
		return withJobStore(cmd, func(store jobReader) error {
			return listJobs(cmd.Context(), store, filters, cmd.OutOrStdout())
		})
	},
}

var jobStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withJobStore(cmd, func(store jobReader) error {
			return queueStats(cmd.Context(), store, cmd.OutOrStdout())
		})
	},
}

func init() {
	jobListCmd.Flags().StringVar(&jobListStatus, "status", "", "Only jobs in this status (queued, claimed, processing, completed, failed)")
	jobListCmd.Flags().IntVar(&jobListLimit, "limit", 20, "Maximum jobs to list")
	jobListCmd.Flags().IntVar(&jobListOffset, "offset", 0, "Jobs to skip")

	jobCmd.AddCommand(jobShowCmd, jobListCmd, jobStatsCmd)
	rootCmd.AddCommand(jobCmd)
}

// jobReader is the read-only job surface of the store.
type jobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	ListJobs(ctx context.Context, filters db.JobFilters) ([]db.Job, error)
	CountJobsByStatus(ctx context.Context) (map[db.JobStatus]int, error)
}

func withJobStore(cmd *cobra.Command, fn func(jobReader) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(database)
}

func jobListFilters() (db.JobFilters, error) {
	status := db.JobStatus(jobListStatus)
	if status != "" && !status.Valid() {
		return db.JobFilters{}, fmt.Errorf("unknown status %q", jobListStatus)
	}
	if jobListLimit < 1 {
		return db.JobFilters{}, fmt.Errorf("--limit must be positive")
	}
	if jobListOffset < 0 {
		return db.JobFilters{}, fmt.Errorf("--offset must not be negative")
	}
	return db.JobFilters{Status: status, Limit: jobListLimit, Offset: jobListOffset}, nil
}

func showJob(ctx context.Context, store jobReader, id uuid.UUID, out io.Writer) error {
	job, err := store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	observability.NewPrinter(out).PrintJob(job)
	return nil
}

func listJobs(ctx context.Context, store jobReader, filters db.JobFilters, out io.Writer) error {
	jobs, err := store.ListJobs(ctx, filters)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	observability.NewPrinter(out).PrintJobList(jobs)
	return nil
}

func queueStats(ctx context.Context, store jobReader, out io.Writer) error {
	counts, err := store.CountJobsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	observability.NewPrinter(out).PrintQueueStats(counts)
	return nil
}
