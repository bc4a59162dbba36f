package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const jobColumns = `id, status, output_format, max_frames, training_iterations, resolution,
	video_ref, result_ref, stages, error, owner_id, created_at, updated_at, claimed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	var stagesJSON []byte
	err := row.Scan(
		&job.ID, &job.Status,
		&job.Config.OutputFormat, &job.Config.MaxFrames, &job.Config.TrainingIterations, &job.Config.Resolution,
		&job.VideoRef, &job.ResultRef, &stagesJSON, &job.Error, &job.OwnerID,
		&job.CreatedAt, &job.UpdatedAt, &job.ClaimedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stagesJSON, &job.Stages); err != nil {
		return nil, fmt.Errorf("failed to decode stages for job %s: %w", job.ID, err)
	}
	return &job, nil
}

// NewJobID returns a fresh job identifier. Callers use it to derive blob keys
// before the job row exists.
func NewJobID() uuid.UUID {
	return uuid.New()
}

// CreateJob inserts a queued job with the fixed stage template. A nil id is
// replaced by a generated one.
func (db *DB) CreateJob(ctx context.Context, id uuid.UUID, cfg JobConfig, videoRef string, ownerID *uuid.UUID) (*Job, error) {
	if id == uuid.Nil {
		id = NewJobID()
	}
	if videoRef == "" {
		return nil, &ValidationError{Field: "video_ref", Message: "is required"}
	}
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	stagesJSON, err := json.Marshal(NewStageTemplate())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stages: %w", err)
	}

	job, err := scanJob(db.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, status, output_format, max_frames, training_iterations, resolution,
		                   video_ref, stages, owner_id)
		 VALUES ($1, 'queued', $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+jobColumns,
		id, cfg.OutputFormat, cfg.MaxFrames, cfg.TrainingIterations, cfg.Resolution,
		videoRef, stagesJSON, ownerID,
	))
	if err != nil {
		return nil, wrapStoreError("create job", err)
	}
	return job, nil
}

// ClaimJob atomically moves the oldest queued job to claimed and returns it.
// Selection and transition happen in one statement; SKIP LOCKED lets
// concurrent claimers pass over a row another claimer holds instead of
// waiting for it. Returns (nil, nil) when no job is queued.
func (db *DB) ClaimJob(ctx context.Context) (*Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'claimed', claimed_at = NOW(), updated_at = GREATEST(NOW(), updated_at)
		 WHERE status = 'queued'
		   AND id = (
		       SELECT id FROM jobs
		       WHERE status = 'queued'
		       ORDER BY created_at ASC, seq ASC
		       LIMIT 1
		       FOR UPDATE SKIP LOCKED
		   )
		 RETURNING `+jobColumns,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError("claim job", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID. Returns (nil, nil) if it does not exist.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError("get job", err)
	}
	return job, nil
}

func lockJob(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Job, error) {
	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapStoreError("lock job", err)
	}
	return job, nil
}

// AdvanceJob records worker progress: a move to processing (repeatable, to
// carry stage detail) or to failed. Stage updates are merged by name into the
// job's template. Moving to failed marks unfinished stages failed.
func (db *DB) AdvanceJob(ctx context.Context, id uuid.UUID, to JobStatus, stages []Stage, errMsg *string) (*Job, error) {
	return db.advanceJob(ctx, id, to, stages, errMsg, nil)
}

// errJobChanged aborts an advance whose precondition no longer holds.
var errJobChanged = errors.New("job changed concurrently")

func (db *DB) advanceJob(ctx context.Context, id uuid.UUID, to JobStatus, stages []Stage, errMsg *string, precondition func(*Job) bool) (*Job, error) {
	if !to.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", to)}
	}

	var updated *Job
	err := db.inTx(ctx, "advance job", func(tx pgx.Tx) error {
		current, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !isAdvanceTarget(to) || !CanTransition(current.Status, to) {
			return &IllegalTransitionError{From: current.Status, To: to}
		}
		if precondition != nil && !precondition(current) {
			return errJobChanged
		}

		merged, err := MergeStages(current.Stages, stages)
		if err != nil {
			return err
		}
		if to == JobStatusFailed {
			merged = FailRemainingStages(merged)
		}
		stagesJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal stages: %w", err)
		}

		updated, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs
			 SET status = $2, stages = $3, error = COALESCE($4, error),
			     updated_at = GREATEST(NOW(), updated_at)
			 WHERE id = $1
			 RETURNING `+jobColumns,
			id, to, stagesJSON, failureMessage(to, errMsg),
		))
		if err != nil {
			return wrapStoreError("update job", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FinalizeJob completes a job with its result and materializes its post in
// the same transaction. Repeated calls for a completed job return the
// existing job and post without changes.
func (db *DB) FinalizeJob(ctx context.Context, id uuid.UUID, resultRef string) (*FinalizeResult, error) {
	if resultRef == "" {
		return nil, &ValidationError{Field: "result_ref", Message: "is required"}
	}

	var result FinalizeResult
	err := db.inTx(ctx, "finalize job", func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(job.Status, JobStatusCompleted) {
			return &IllegalTransitionError{From: job.Status, To: JobStatusCompleted}
		}

		if job.Status != JobStatusCompleted {
			stagesJSON, err := json.Marshal(CompleteStages(job.Stages))
			if err != nil {
				return fmt.Errorf("failed to marshal stages: %w", err)
			}
			job, err = scanJob(tx.QueryRow(ctx,
				`UPDATE jobs
				 SET status = 'completed', result_ref = $2, stages = $3,
				     updated_at = GREATEST(NOW(), updated_at)
				 WHERE id = $1
				 RETURNING `+jobColumns,
				id, resultRef, stagesJSON,
			))
			if err != nil {
				return wrapStoreError("complete job", err)
			}
		}
		result.Job = job

		post, err := getPostByJobID(ctx, tx, id)
		if err != nil {
			return err
		}
		if post == nil {
			post, err = insertPostForJob(ctx, tx, job)
			if err != nil {
				return err
			}
			result.Created = true
		}
		result.Post = post
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs retrieves jobs with optional filters, newest first
func (db *DB) ListJobs(ctx context.Context, filters JobFilters) ([]Job, error) {
	if filters.Limit <= 0 {
		filters.Limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, filters.Status)
		argNum++
	}
	if filters.OwnerID != nil {
		query += fmt.Sprintf(" AND owner_id = $%d", argNum)
		args = append(args, *filters.OwnerID)
		argNum++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filters.Limit, filters.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError("list jobs", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("list jobs", err)
	}
	return jobs, nil
}

// CountJobsByStatus returns the number of jobs in each status.
func (db *DB) CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := db.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, wrapStoreError("count jobs", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int, len(AllJobStatuses))
	for _, s := range AllJobStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("count jobs", err)
	}
	return counts, nil
}

// StaleJobError is recorded on jobs failed by FailStaleJobs.
const StaleJobError = "worker stopped reporting progress"

// FailStaleJobs fails claimed or processing jobs whose last update is older
// than olderThan. Stranded jobs are never requeued. Returns the failed ids.
func (db *DB) FailStaleJobs(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	if olderThan <= 0 {
		return nil, &ValidationError{Field: "older_than", Message: "must be positive"}
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, updated_at FROM jobs
		 WHERE status IN ('claimed', 'processing') AND updated_at < NOW() - make_interval(secs => $1)
		 ORDER BY updated_at ASC`,
		olderThan.Seconds(),
	)
	if err != nil {
		return nil, wrapStoreError("list stale jobs", err)
	}

	type staleJob struct {
		ID        uuid.UUID
		UpdatedAt time.Time
	}
	stale, err := pgx.CollectRows(rows, pgx.RowToStructByPos[staleJob])
	if err != nil {
		return nil, wrapStoreError("list stale jobs", err)
	}

	msg := StaleJobError
	failed := make([]uuid.UUID, 0, len(stale))
	for _, candidate := range stale {
		unchanged := func(j *Job) bool { return j.UpdatedAt.Equal(candidate.UpdatedAt) }
		if _, err := db.advanceJob(ctx, candidate.ID, JobStatusFailed, nil, &msg, unchanged); err != nil {
			var illegal *IllegalTransitionError
			if errors.As(err, &illegal) || errors.Is(err, ErrNotFound) || errors.Is(err, errJobChanged) {
				// Progressed, finished or removed since the scan.
				continue
			}
			return failed, err
		}
		failed = append(failed, candidate.ID)
	}
	return failed, nil
}
