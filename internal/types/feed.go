package types

import (
	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/db"
)

// FeedPost is a post with its ranking score and whether the caller liked it.
type FeedPost struct {
	db.Post
	Score float64 `json:"score"`
	Liked bool    `json:"liked"`
}

// FeedResponse is one page of the ranked feed.
type FeedResponse struct {
	Posts  []FeedPost `json:"posts"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// CreateCommentRequest adds a comment or a reply.
type CreateCommentRequest struct {
	Body     string     `json:"body" validate:"required"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
}

// Validate checks required fields; length rules live with the store.
func (r *CreateCommentRequest) Validate() error {
	return validate.Struct(r)
}

// CommentsResponse is one page of comment threads.
type CommentsResponse struct {
	Threads []db.CommentThread `json:"threads"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// DeleteCommentResponse reports how many comments were removed, replies
// included.
type DeleteCommentResponse struct {
	Deleted int `json:"deleted"`
}
