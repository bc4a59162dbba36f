package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/jonathan/splat-queue/internal/blob"
	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/schemas"
	"github.com/jonathan/splat-queue/internal/types"
)

// maxStatusBody bounds a worker status report.
const maxStatusBody = 64 << 10

// handleClaim hands the oldest queued job to the calling worker.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.ClaimJob(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if job != nil {
		s.publish(r.Context(), job)
		s.log.Info().Str("job_id", job.ID.String()).Msg("job claimed")
	}
	jsonResponse(w, http.StatusOK, types.ClaimResponse{Job: job})
}

// handleWorkerVideo streams a job's input video to the worker.
func (s *Server) handleWorkerVideo(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}

	rc, err := s.blobs.Get(r.Context(), job.VideoRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "Video not found")
			return
		}
		s.storeError(w, r, err)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(job.VideoRef))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("video download interrupted")
	}
}

// handleWorkerStatus records a worker's progress report.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStatusBody))
	if err != nil {
		errorResponse(w, http.StatusRequestEntityTooLarge, "Status body too large")
		return
	}

	if err := schemas.ValidateStatusUpdate(body); err != nil {
		var schemaErr *schemas.ValidationError
		if errors.As(err, &schemaErr) {
			errorResponse(w, http.StatusBadRequest, schemaErr.Summary())
			return
		}
		s.storeError(w, r, err)
		return
	}

	var req types.StatusUpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := s.store.AdvanceJob(r.Context(), id, req.Status, req.Stages, req.Error)
	if err != nil {
		var transitionErr *db.IllegalTransitionError
		if errors.As(err, &transitionErr) {
			s.log.Warn().Str("job_id", id.String()).Err(err).Msg("rejected status update")
		}
		s.storeError(w, r, err)
		return
	}
	s.publish(r.Context(), job)

	if job.Status == db.JobStatusFailed {
		evt := s.log.Warn().Str("job_id", job.ID.String())
		if job.Error != nil {
			evt = evt.Str("error", *job.Error)
		}
		evt.Msg("job failed")
	}

	jsonResponse(w, http.StatusOK, job)
}

// handleWorkerResult stores the uploaded result and finalizes the job. A job
// that is already completed keeps its first result.
func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	if !db.CanTransition(job.Status, db.JobStatusCompleted) {
		s.storeError(w, r, &db.IllegalTransitionError{From: job.Status, To: db.JobStatusCompleted})
		return
	}

	resultRef := blob.ResultKey(job.ID.String(), job.Config.OutputFormat)
	if job.Status != db.JobStatusCompleted {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
		if _, err := s.blobs.Put(r.Context(), resultRef, r.Body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				errorResponse(w, http.StatusRequestEntityTooLarge, "Result too large")
				return
			}
			s.storeError(w, r, err)
			return
		}
	}

	result, err := s.store.FinalizeJob(r.Context(), job.ID, resultRef)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if result.Created {
		s.publish(r.Context(), result.Job)
		s.log.Info().
			Str("job_id", job.ID.String()).
			Str("post_id", result.Post.ID.String()).
			Msg("job completed")
	}

	ref := resultRef
	if result.Job.ResultRef != nil {
		ref = *result.Job.ResultRef
	}
	jsonResponse(w, http.StatusOK, types.ResultResponse{
		ResultRef: ref,
		PostID:    result.Post.ID,
		Created:   result.Created,
	})
}
