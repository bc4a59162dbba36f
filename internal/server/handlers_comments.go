package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/server/middleware"
	"github.com/jonathan/splat-queue/internal/types"
)

// handleListComments returns a page of comment threads, oldest first.
func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	postID, err := pathUUID(r, "id")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", db.DefaultCommentLimit)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset = db.ClampPage(limit, offset, db.DefaultCommentLimit, db.MaxCommentLimit)

	page, err := s.store.ListComments(r.Context(), postID, limit, offset)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	var replies []db.Comment
	if len(page.Comments) > 0 {
		parentIDs := make([]uuid.UUID, len(page.Comments))
		for i, c := range page.Comments {
			parentIDs[i] = c.ID
		}
		replies, err = s.store.ListReplies(r.Context(), parentIDs)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
	}

	jsonResponse(w, http.StatusOK, types.CommentsResponse{
		Threads: db.BuildThreads(page.Comments, replies),
		Total:   page.Total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleCreateComment adds a comment, or a reply when parent_id is set.
func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
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

	var req types.CreateCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		errorResponse(w, http.StatusBadRequest, extractValidationErrors(err))
		return
	}

	comment, err := s.store.CreateComment(r.Context(), postID, userID, req.ParentID, req.Body)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusCreated, comment)
}

// handleDeleteComment deletes the caller's comment and, for a top-level
// comment, its replies.
func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	commentID, err := pathUUID(r, "id")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := s.store.DeleteComment(r.Context(), commentID, userID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, types.DeleteCommentResponse{Deleted: deleted})
}
