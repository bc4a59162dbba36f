package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/types"
)

// maxErrorRunes matches the status schema's error length limit.
const maxErrorRunes = 2000

// reportTimeout bounds the failure report sent after the run context ends.
const reportTimeout = 30 * time.Second

// QueueClient is the worker protocol as the runner uses it.
type QueueClient interface {
	Claim(ctx context.Context) (*db.Job, error)
	DownloadVideo(ctx context.Context, jobID uuid.UUID, dst string) (int64, error)
	UpdateStatus(ctx context.Context, jobID uuid.UUID, update types.StatusUpdateRequest) (*db.Job, error)
	UploadResult(ctx context.Context, jobID uuid.UUID, path string) (*types.ResultResponse, error)
}

// Config controls the runner's loops.
type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	WorkDir         string
}

// Runner claims and processes jobs until its context ends.
type Runner struct {
	client    QueueClient
	processor Processor
	cfg       Config
	log       zerolog.Logger
}

// NewRunner validates cfg and creates a Runner.
func NewRunner(client QueueClient, processor Processor, cfg Config, log zerolog.Logger) (*Runner, error) {
	if client == nil || processor == nil {
		return nil, errors.New("client and processor are required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	return &Runner{client: client, processor: processor, cfg: cfg, log: log}, nil
}

// Run starts Concurrency loops and blocks until ctx is done and every job in
// flight has been reported.
func (r *Runner) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	r.log.Info().
		Int("concurrency", r.cfg.Concurrency).
		Dur("poll_interval", r.cfg.PollInterval).
		Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			r.loop(gctx, slot)
			return nil
		})
	}
	err := g.Wait()
	r.log.Info().Msg("worker stopped")
	return err
}

// pollBackOff doubles the idle wait from PollInterval up to MaxPollInterval.
func (r *Runner) pollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.PollInterval
	b.MaxInterval = r.cfg.MaxPollInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (r *Runner) loop(ctx context.Context, slot int) {
	log := r.log.With().Int("slot", slot).Logger()
	idle := r.pollBackOff()

	for ctx.Err() == nil {
		claimed, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("claim failed")
		}
		if claimed {
			idle.Reset()
			continue
		}
		if err := sleep(ctx, idle.NextBackOff()); err != nil {
			return
		}
	}
}

// RunOnce claims one job and processes it. It reports whether a job was
// claimed; processing failures are reported to the server, not returned.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.client.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.process(ctx, job)
	return true, nil
}

func (r *Runner) process(ctx context.Context, job *db.Job) {
	log := r.log.With().Str("job_id", job.ID.String()).Logger()
	log.Info().
		Str("format", job.Config.OutputFormat).
		Int("max_frames", job.Config.MaxFrames).
		Msg("job claimed")
	start := time.Now()

	workDir := filepath.Join(r.cfg.WorkDir, job.ID.String())
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn().Err(err).Msg("failed to remove work dir")
		}
	}()

	tracker := NewStageTracker(func(stages []db.Stage) {
		if _, err := r.client.UpdateStatus(ctx, job.ID, types.StatusUpdateRequest{
			Status: db.JobStatusProcessing,
			Stages: stages,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to report stages")
		}
	})

	if _, err := r.client.UpdateStatus(ctx, job.ID, types.StatusUpdateRequest{Status: db.JobStatusProcessing}); err != nil {
		if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrJobNotFound) {
			log.Warn().Err(err).Msg("abandoning job")
			return
		}
		log.Warn().Err(err).Msg("failed to report processing")
	}

	resultPath, err := r.run(ctx, job, workDir, tracker)
	if err == nil {
		var res *types.ResultResponse
		res, err = r.client.UploadResult(ctx, job.ID, resultPath)
		if err == nil {
			log.Info().
				Str("post_id", res.PostID.String()).
				Dur("duration", time.Since(start)).
				Msg("job completed")
			return
		}
		if errors.Is(err, ErrIllegalTransition) {
			log.Warn().Err(err).Msg("result rejected; job is no longer processing")
			return
		}
		err = fmt.Errorf("failed to upload result: %w", err)
	}

	r.fail(ctx, log, job.ID, tracker, err)
}

func (r *Runner) run(ctx context.Context, job *db.Job, workDir string, tracker *StageTracker) (string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}

	ext := path.Ext(job.VideoRef)
	if ext == "" {
		ext = ".mp4"
	}
	videoPath := filepath.Join(workDir, "input"+ext)
	n, err := r.client.DownloadVideo(ctx, job.ID, videoPath)
	if err != nil {
		return "", fmt.Errorf("failed to download video: %w", err)
	}
	r.log.Info().
		Str("job_id", job.ID.String()).
		Float64("size_mb", float64(n)/1e6).
		Msg("video downloaded")

	return r.processor.Process(ctx, ProcessRequest{
		JobID:     job.ID,
		Config:    job.Config,
		VideoPath: videoPath,
		WorkDir:   workDir,
	}, tracker)
}

// fail reports a failed job. It outlives ctx so a shutdown does not leave
// the job in processing.
func (r *Runner) fail(ctx context.Context, log zerolog.Logger, jobID uuid.UUID, tracker *StageTracker, cause error) {
	log.Error().Err(cause).Msg("job failed")

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	tracker.FailRemaining()
	msg := truncateRunes(cause.Error(), maxErrorRunes)
	if _, err := r.client.UpdateStatus(reportCtx, jobID, types.StatusUpdateRequest{
		Status: db.JobStatusFailed,
		Stages: tracker.Snapshot(),
		Error:  &msg,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to report failure")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
