package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const commentColumns = `c.id, c.post_id, c.author_id, COALESCE(u.name, ''), c.parent_id, c.body,
	c.created_at, c.updated_at`

func scanComment(row pgx.Row) (*Comment, error) {
	var c Comment
	if err := row.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.AuthorName, &c.ParentID, &c.Body, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func collectComments(rows pgx.Rows) ([]Comment, error) {
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("read comments", err)
	}
	return comments, nil
}

// CreateComment adds a comment to a post and bumps comment_count in the same
// transaction. A reply to a reply is attached to the top-level comment.
func (db *DB) CreateComment(ctx context.Context, postID, authorID uuid.UUID, parentID *uuid.UUID, body string) (*Comment, error) {
	body, err := ValidateCommentBody(body)
	if err != nil {
		return nil, err
	}

	var created *Comment
	err = db.inTx(ctx, "create comment", func(tx pgx.Tx) error {
		var resolvedParent *uuid.UUID
		if parentID != nil {
			var parentPost uuid.UUID
			var grandparent *uuid.UUID
			err := tx.QueryRow(ctx,
				`SELECT post_id, parent_id FROM comments WHERE id = $1`, *parentID,
			).Scan(&parentPost, &grandparent)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return wrapStoreError("load parent comment", err)
			}
			if parentPost != postID {
				return ErrNotFound
			}
			top := ResolveParent(*parentID, grandparent)
			// Top-level row first, then the reply: the order DeleteComment
			// takes them in.
			if err := shareLockComment(ctx, tx, top); err != nil {
				return err
			}
			if top != *parentID {
				if err := shareLockComment(ctx, tx, *parentID); err != nil {
					return err
				}
			}
			resolvedParent = &top
		}

		var id uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO comments (post_id, author_id, parent_id, body)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			postID, authorID, resolvedParent, body,
		).Scan(&id)
		if err != nil {
			if pgCode(err) == pgForeignKeyViolation {
				return ErrNotFound
			}
			return wrapStoreError("insert comment", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE posts SET comment_count = comment_count + 1 WHERE id = $1`, postID)
		if err != nil {
			return wrapStoreError("update comment count", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		created, err = scanComment(tx.QueryRow(ctx,
			`SELECT `+commentColumns+`
			 FROM comments c LEFT JOIN users u ON u.id = c.author_id
			 WHERE c.id = $1`, id))
		if err != nil {
			return wrapStoreError("load comment", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// shareLockComment holds a comment row until commit so a concurrent delete
// waits for the insert that references it.
func shareLockComment(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var locked uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM comments WHERE id = $1 FOR SHARE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return wrapStoreError("lock parent comment", err)
	}
	return nil
}

// GetComment retrieves a comment by ID. Returns (nil, nil) if it does not exist.
func (db *DB) GetComment(ctx context.Context, id uuid.UUID) (*Comment, error) {
	c, err := scanComment(db.pool.QueryRow(ctx,
		`SELECT `+commentColumns+`
		 FROM comments c LEFT JOIN users u ON u.id = c.author_id
		 WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError("get comment", err)
	}
	return c, nil
}

// ListComments returns a page of top-level comments, oldest first, and the
// total number of top-level comments on the post.
func (db *DB) ListComments(ctx context.Context, postID uuid.UUID, limit, offset int) (*CommentPage, error) {
	limit, offset = ClampPage(limit, offset, DefaultCommentLimit, MaxCommentLimit)

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM comments WHERE post_id = $1 AND parent_id IS NULL`, postID,
	).Scan(&total)
	if err != nil {
		return nil, wrapStoreError("count comments", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+commentColumns+`
		 FROM comments c LEFT JOIN users u ON u.id = c.author_id
		 WHERE c.post_id = $1 AND c.parent_id IS NULL
		 ORDER BY c.created_at ASC, c.id ASC
		 LIMIT $2 OFFSET $3`,
		postID, limit, offset,
	)
	if err != nil {
		return nil, wrapStoreError("list comments", err)
	}
	comments, err := collectComments(rows)
	if err != nil {
		return nil, err
	}
	return &CommentPage{Comments: comments, Total: total}, nil
}

// ListReplies returns every reply to the given comments, oldest first, in a
// single query.
func (db *DB) ListReplies(ctx context.Context, parentIDs []uuid.UUID) ([]Comment, error) {
	if len(parentIDs) == 0 {
		return []Comment{}, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+commentColumns+`
		 FROM comments c LEFT JOIN users u ON u.id = c.author_id
		 WHERE c.parent_id = ANY($1)
		 ORDER BY c.created_at ASC, c.id ASC`,
		parentIDs,
	)
	if err != nil {
		return nil, wrapStoreError("list replies", err)
	}
	return collectComments(rows)
}

// DeleteComment removes a comment owned by requesterID. Deleting a top-level
// comment also removes its replies. comment_count drops by the number of rows
// removed, never below zero. Returns ErrNotFound when the comment is missing
// or belongs to someone else.
func (db *DB) DeleteComment(ctx context.Context, commentID, requesterID uuid.UUID) (int, error) {
	var removed int
	err := db.inTx(ctx, "delete comment", func(tx pgx.Tx) error {
		var postID, authorID uuid.UUID
		var parentID *uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT post_id, author_id, parent_id FROM comments WHERE id = $1 FOR UPDATE`, commentID,
		).Scan(&postID, &authorID, &parentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return wrapStoreError("load comment", err)
		}
		if authorID != requesterID {
			return ErrNotFound
		}

		query := `DELETE FROM comments WHERE id = $1`
		if parentID == nil {
			query = `DELETE FROM comments WHERE id = $1 OR parent_id = $1`
		}
		tag, err := tx.Exec(ctx, query, commentID)
		if err != nil {
			return wrapStoreError("delete comment", err)
		}
		removed = int(tag.RowsAffected())

		_, err = tx.Exec(ctx,
			`UPDATE posts SET comment_count = GREATEST(comment_count - $2, 0) WHERE id = $1`,
			postID, removed,
		)
		if err != nil {
			return wrapStoreError("update comment count", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// CountComments returns the number of comment rows (top-level and replies)
// stored for a post.
func (db *DB) CountComments(ctx context.Context, postID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM comments WHERE post_id = $1`, postID).Scan(&n); err != nil {
		return 0, wrapStoreError("count comments", err)
	}
	return n, nil
}
