package db

import (
	"time"

	"github.com/google/uuid"
)

// Post is the feed entry materialized from a completed job. The counters are
// denormalized from the likes and comments tables and from view events.
type Post struct {
	ID           uuid.UUID  `json:"id"`
	JobID        uuid.UUID  `json:"job_id"`
	OwnerID      *uuid.UUID `json:"owner_id,omitempty"`
	ResultRef    string     `json:"result_ref"`
	OutputFormat string     `json:"output_format"`
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	ViewCount    int        `json:"view_count"`
	LikeCount    int        `json:"like_count"`
	CommentCount int        `json:"comment_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Like links a user to a post they liked.
type Like struct {
	UserID    uuid.UUID `json:"user_id"`
	PostID    uuid.UUID `json:"post_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LikeResult is the outcome of a like or unlike. Changed is false when the
// call was a no-op (already liked, or nothing to unlike).
type LikeResult struct {
	Liked     bool `json:"liked"`
	Changed   bool `json:"changed"`
	LikeCount int  `json:"like_count"`
}

// Feed pagination bounds
const (
	DefaultFeedLimit = 20
	MaxFeedLimit     = 100
)

// ClampPage normalizes limit and offset against a default and a maximum.
func ClampPage(limit, offset, defaultLimit, maxLimit int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
