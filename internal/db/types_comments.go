package db

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxCommentLength is the maximum comment body length in characters.
const MaxCommentLength = 1000

// Comment pagination bounds
const (
	DefaultCommentLimit = 20
	MaxCommentLimit     = 100
)

// Comment is a top-level comment (ParentID nil) or a reply to one.
type Comment struct {
	ID         uuid.UUID  `json:"id"`
	PostID     uuid.UUID  `json:"post_id"`
	AuthorID   uuid.UUID  `json:"author_id"`
	AuthorName string     `json:"author_name,omitempty"`
	ParentID   *uuid.UUID `json:"parent_id,omitempty"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CommentThread is a top-level comment with its replies. Threads are never
// deeper than two levels.
type CommentThread struct {
	Comment Comment   `json:"comment"`
	Replies []Comment `json:"replies"`
}

// CommentPage is one page of top-level comments plus the total number of
// top-level comments on the post.
type CommentPage struct {
	Comments []Comment
	Total    int
}

// ValidateCommentBody trims body and checks it is 1..MaxCommentLength characters.
func ValidateCommentBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", &ValidationError{Field: "body", Message: "must not be empty"}
	}
	if utf8.RuneCountInString(trimmed) > MaxCommentLength {
		return "", &ValidationError{Field: "body", Message: "must be at most 1000 characters"}
	}
	return trimmed, nil
}

// ResolveParent flattens a reply-to-reply: when the declared parent is itself
// a reply, the new comment attaches to that reply's parent instead.
func ResolveParent(declaredParent uuid.UUID, parentsParent *uuid.UUID) uuid.UUID {
	if parentsParent != nil {
		return *parentsParent
	}
	return declaredParent
}

// BuildThreads groups replies under their top-level comments, keeping the
// order of both slices.
func BuildThreads(topLevel, replies []Comment) []CommentThread {
	byParent := make(map[uuid.UUID][]Comment, len(topLevel))
	for _, r := range replies {
		if r.ParentID == nil {
			continue
		}
		byParent[*r.ParentID] = append(byParent[*r.ParentID], r)
	}

	threads := make([]CommentThread, 0, len(topLevel))
	for _, c := range topLevel {
		rs := byParent[c.ID]
		if rs == nil {
			rs = []Comment{}
		}
		threads = append(threads, CommentThread{Comment: c, Replies: rs})
	}
	return threads
}
