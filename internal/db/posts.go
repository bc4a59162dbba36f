package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/splat-queue/internal/ranking"
)

const postColumns = `id, job_id, owner_id, result_ref, output_format, title, description,
	view_count, like_count, comment_count, created_at`

func scanPost(row pgx.Row) (*Post, error) {
	var p Post
	err := row.Scan(
		&p.ID, &p.JobID, &p.OwnerID, &p.ResultRef, &p.OutputFormat, &p.Title, &p.Description,
		&p.ViewCount, &p.LikeCount, &p.CommentCount, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func getPostByJobID(ctx context.Context, q querier, jobID uuid.UUID) (*Post, error) {
	post, err := scanPost(q.QueryRow(ctx,
		`SELECT `+postColumns+` FROM posts WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError("get post by job", err)
	}
	return post, nil
}

// insertPostForJob creates the post for a completed job. The post reuses the
// job id; the unique job_id constraint backs up the caller's existence check.
func insertPostForJob(ctx context.Context, q querier, job *Job) (*Post, error) {
	if job.ResultRef == nil {
		return nil, fmt.Errorf("job %s has no result", job.ID)
	}

	post, err := scanPost(q.QueryRow(ctx,
		`INSERT INTO posts (id, job_id, owner_id, result_ref, output_format)
		 VALUES ($1, $1, $2, $3, $4)
		 ON CONFLICT (job_id) DO NOTHING
		 RETURNING `+postColumns,
		job.ID, job.OwnerID, *job.ResultRef, job.Config.OutputFormat,
	))
	if err == nil {
		return post, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapStoreError("create post", err)
	}

	// Lost a race with a concurrent insert for the same job.
	post, err = getPostByJobID(ctx, q, job.ID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, fmt.Errorf("post for job %s vanished after conflict", job.ID)
	}
	return post, nil
}

// GetPost retrieves a post by ID. Returns (nil, nil) if it does not exist.
func (db *DB) GetPost(ctx context.Context, id uuid.UUID) (*Post, error) {
	post, err := scanPost(db.pool.QueryRow(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError("get post", err)
	}
	return post, nil
}

// GetPostByJobID retrieves the post materialized from a job, if any.
func (db *DB) GetPostByJobID(ctx context.Context, jobID uuid.UUID) (*Post, error) {
	return getPostByJobID(ctx, db.pool, jobID)
}

// ListFeed returns posts ordered by descending feed score, paginated.
func (db *DB) ListFeed(ctx context.Context, limit, offset int) ([]Post, error) {
	limit, offset = ClampPage(limit, offset, DefaultFeedLimit, MaxFeedLimit)

	rows, err := db.pool.Query(ctx,
		`SELECT `+postColumns+` FROM posts
		 ORDER BY `+ranking.SQLScoreExpr("NOW()")+` DESC, created_at DESC, id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, wrapStoreError("list feed", err)
	}
	defer rows.Close()

	posts := []Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, *post)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("list feed", err)
	}
	return posts, nil
}

// IncrementView atomically adds one view to a post. Returns false if the post
// does not exist.
func (db *DB) IncrementView(ctx context.Context, postID uuid.UUID) (bool, error) {
	result, err := db.pool.Exec(ctx,
		`UPDATE posts SET view_count = view_count + 1 WHERE id = $1`, postID)
	if err != nil {
		return false, wrapStoreError("increment view", err)
	}
	return result.RowsAffected() == 1, nil
}
