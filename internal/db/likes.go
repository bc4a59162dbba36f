package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LikePost records a like and bumps the post's like_count in the same
// transaction. Liking twice is a no-op reported with Changed=false.
func (db *DB) LikePost(ctx context.Context, userID, postID uuid.UUID) (*LikeResult, error) {
	result := &LikeResult{Liked: true}
	err := db.inTx(ctx, "like post", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO likes (user_id, post_id) VALUES ($1, $2)
			 ON CONFLICT (user_id, post_id) DO NOTHING`,
			userID, postID,
		)
		if err != nil {
			if pgCode(err) == pgForeignKeyViolation {
				return ErrNotFound
			}
			return wrapStoreError("insert like", err)
		}

		if tag.RowsAffected() == 1 {
			result.Changed = true
			err = tx.QueryRow(ctx,
				`UPDATE posts SET like_count = like_count + 1 WHERE id = $1 RETURNING like_count`,
				postID,
			).Scan(&result.LikeCount)
		} else {
			err = tx.QueryRow(ctx, `SELECT like_count FROM posts WHERE id = $1`, postID).
				Scan(&result.LikeCount)
		}
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return wrapStoreError("update like count", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UnlikePost removes a like and decrements like_count (never below zero) in
// the same transaction. Changed reports whether a like was removed.
func (db *DB) UnlikePost(ctx context.Context, userID, postID uuid.UUID) (*LikeResult, error) {
	result := &LikeResult{Liked: false}
	err := db.inTx(ctx, "unlike post", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM likes WHERE user_id = $1 AND post_id = $2`, userID, postID)
		if err != nil {
			return wrapStoreError("delete like", err)
		}

		if tag.RowsAffected() == 1 {
			result.Changed = true
			err = tx.QueryRow(ctx,
				`UPDATE posts SET like_count = GREATEST(like_count - 1, 0) WHERE id = $1 RETURNING like_count`,
				postID,
			).Scan(&result.LikeCount)
		} else {
			err = tx.QueryRow(ctx, `SELECT like_count FROM posts WHERE id = $1`, postID).
				Scan(&result.LikeCount)
		}
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return wrapStoreError("update like count", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LikedPostIDs returns which of postIDs the user has liked, in one query.
func (db *DB) LikedPostIDs(ctx context.Context, userID uuid.UUID, postIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	liked := make(map[uuid.UUID]bool, len(postIDs))
	if len(postIDs) == 0 {
		return liked, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT post_id FROM likes WHERE user_id = $1 AND post_id = ANY($2)`,
		userID, postIDs,
	)
	if err != nil {
		return nil, wrapStoreError("list liked posts", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, wrapStoreError("list liked posts", err)
	}
	for _, id := range ids {
		liked[id] = true
	}
	return liked, nil
}

// CountLikes returns the number of like rows for a post.
func (db *DB) CountLikes(ctx context.Context, postID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM likes WHERE post_id = $1`, postID).Scan(&n); err != nil {
		return 0, wrapStoreError("count likes", err)
	}
	return n, nil
}
