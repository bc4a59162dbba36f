package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/ranking"
	"github.com/jonathan/splat-queue/internal/server/middleware"
	"github.com/jonathan/splat-queue/internal/types"
)

func snapshot(p db.Post) ranking.PostSnapshot {
	return ranking.PostSnapshot{
		ViewCount: p.ViewCount,
		LikeCount: p.LikeCount,
		CreatedAt: p.CreatedAt,
	}
}

// handleFeed returns one page of posts in feed order.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", db.DefaultFeedLimit)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset = db.ClampPage(limit, offset, db.DefaultFeedLimit, db.MaxFeedLimit)

	posts, err := s.store.ListFeed(r.Context(), limit, offset)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	liked := map[uuid.UUID]bool{}
	if userID, ok := middleware.OptionalUserID(r); ok && len(posts) > 0 {
		ids := make([]uuid.UUID, len(posts))
		for i, p := range posts {
			ids[i] = p.ID
		}
		liked, err = s.store.LikedPostIDs(r.Context(), userID, ids)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
	}

	now := s.now()
	resp := types.FeedResponse{
		Posts:  make([]types.FeedPost, 0, len(posts)),
		Limit:  limit,
		Offset: offset,
	}
	for _, p := range posts {
		resp.Posts = append(resp.Posts, types.FeedPost{
			Post:  p,
			Score: ranking.Score(snapshot(p), now),
			Liked: liked[p.ID],
		})
	}
	// Page order follows the reported scores, not the database clock.
	ranking.RankPosts(resp.Posts, func(fp types.FeedPost) ranking.PostSnapshot {
		return snapshot(fp.Post)
	}, now)
	jsonResponse(w, http.StatusOK, resp)
}

// viewTimeout bounds a detached view increment.
const viewTimeout = 5 * time.Second

// countView increments a post's view count in the background. It outlives
// the request, and failures are only logged.
func (s *Server) countView(r *http.Request, postID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), viewTimeout)
	s.views.Add(1)
	go func() {
		defer s.views.Done()
		defer cancel()
		if _, err := s.store.IncrementView(ctx, postID); err != nil {
			s.log.Warn().Err(err).Str("post_id", postID.String()).Msg("failed to count view")
		}
	}()
}

// handleGetPost returns a post and counts the request as a view. The
// response includes that view.
func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	post, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if post == nil {
		errorResponse(w, http.StatusNotFound, "Post not found")
		return
	}
	s.countView(r, id)
	post.ViewCount++

	resp := types.FeedPost{Post: *post, Score: ranking.Score(snapshot(*post), s.now())}
	if userID, ok := middleware.OptionalUserID(r); ok {
		liked, err := s.store.LikedPostIDs(r.Context(), userID, []uuid.UUID{post.ID})
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		resp.Liked = liked[post.ID]
	}
	jsonResponse(w, http.StatusOK, resp)
}

// handleView counts a view. It always answers 204 so clients can fire and
// forget, and it does not reveal whether the post exists.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if id, err := pathUUID(r, "id"); err == nil {
		s.countView(r, id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.toggleLike(w, r, s.store.LikePost)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	s.toggleLike(w, r, s.store.UnlikePost)
}

func (s *Server) toggleLike(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID, postID uuid.UUID) (*db.LikeResult, error)) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	postID, err := pathUUID(r, "id")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := op(r.Context(), userID, postID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, result)
}
