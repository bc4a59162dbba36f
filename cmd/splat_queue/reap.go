package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	reapOlderThan time.Duration
	reapInterval  time.Duration
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail jobs whose worker stopped reporting",
	Long: `Fail claimed or processing jobs that have not been updated for --older-than
(default: SPLAT_STALE_AFTER). Stranded jobs are failed, never requeued.

With --interval the command keeps running and reaps on every tick.`,
	RunE: runReap,
}

func init() {
	reapCmd.Flags().DurationVar(&reapOlderThan, "older-than", 0, "Idle time after which a job is stranded (overrides SPLAT_STALE_AFTER)")
	reapCmd.Flags().DurationVar(&reapInterval, "interval", 0, "Repeat every interval until interrupted; 0 runs once")
	rootCmd.AddCommand(reapCmd)
}

// staleJobFailer is the store surface the reaper needs.
type staleJobFailer interface {
	FailStaleJobs(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
}

func runReap(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	olderThan := cfg.StaleAfter.Std()
	if reapOlderThan > 0 {
		olderThan = reapOlderThan
	}
	if olderThan <= 0 {
		return fmt.Errorf("reaping is disabled: set SPLAT_STALE_AFTER or --older-than")
	}
	log := newLogger(cfg, "reaper")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	return reapLoop(ctx, database, olderThan, reapInterval, log)
}

// reapLoop reaps once, then on every interval tick until ctx is done.
func reapLoop(ctx context.Context, store staleJobFailer, olderThan, interval time.Duration, log zerolog.Logger) error {
	if _, err := reapOnce(ctx, store, olderThan, log); err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := reapOnce(ctx, store, olderThan, log); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// The next tick retries.
				log.Warn().Err(err).Msg("reap failed")
			}
		}
	}
}

func reapOnce(ctx context.Context, store staleJobFailer, olderThan time.Duration, log zerolog.Logger) ([]uuid.UUID, error) {
	failed, err := store.FailStaleJobs(ctx, olderThan)
	for _, id := range failed {
		log.Warn().Str("job_id", id.String()).Dur("older_than", olderThan).Msg("failed stale job")
	}
	if err != nil {
		return failed, fmt.Errorf("failed to reap stale jobs: %w", err)
	}
	log.Info().Int("failed", len(failed)).Msg("reap finished")
	return failed, nil
}
