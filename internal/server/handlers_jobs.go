package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/blob"
	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/events"
	"github.com/jonathan/splat-queue/internal/server/middleware"
	"github.com/jonathan/splat-queue/internal/types"
)

const (
	defaultVideoExt = ".mp4"
	// multipart parts beyond this are spooled to disk
	multipartMemory = 32 << 20
	// heartbeat keeps idle SSE connections open through proxies
	sseHeartbeat = 25 * time.Second
)

var videoExtPattern = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// videoExt returns the lower-cased extension of an uploaded filename, or
// .mp4 when it has none or it is not a plain extension.
func videoExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !videoExtPattern.MatchString(ext) {
		return defaultVideoExt
	}
	return ext
}

// parseJobConfig reads JobConfig fields from a multipart form. Absent fields
// take their defaults in Normalize.
func parseJobConfig(r *http.Request) (db.JobConfig, error) {
	cfg := db.JobConfig{OutputFormat: strings.TrimSpace(r.FormValue("output_format"))}

	ints := []struct {
		field string
		dst   *int
	}{
		{"max_frames", &cfg.MaxFrames},
		{"training_iterations", &cfg.TrainingIterations},
		{"resolution", &cfg.Resolution},
	}
	for _, f := range ints {
		v := strings.TrimSpace(r.FormValue(f.field))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, &ErrValidation{Field: f.field, Message: "must be an integer"}
		}
		*f.dst = n
	}
	return cfg.Normalize()
}

// handleCreateJob accepts a video upload and queues a job for it.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorResponse(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("File too large (max %dMB)", s.maxUpload>>20))
			return
		}
		errorResponse(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	cfg, err := parseJobConfig(r)
	if err != nil {
		errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "video file is required")
		return
	}
	defer file.Close()

	var ownerID *uuid.UUID
	if userID, ok := middleware.OptionalUserID(r); ok {
		ownerID = &userID
	}

	// The id is chosen up front so the blob key and the row agree.
	jobID := db.NewJobID()
	videoRef := blob.VideoKey(jobID.String(), videoExt(header.Filename))
	size, err := s.blobs.Put(r.Context(), videoRef, file)
	if err != nil {
		s.storeError(w, r, fmt.Errorf("failed to store video: %w", err))
		return
	}

	job, err := s.store.CreateJob(r.Context(), jobID, cfg, videoRef, ownerID)
	if err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(r.Context()), videoRef); delErr != nil {
			s.log.Warn().Err(delErr).Str("key", videoRef).Msg("failed to remove orphaned video")
		}
		s.storeError(w, r, err)
		return
	}
	s.publish(r.Context(), job)

	s.log.Info().
		Str("job_id", job.ID.String()).
		Int64("bytes", size).
		Str("format", job.Config.OutputFormat).
		Msg("job created")

	jsonResponse(w, http.StatusCreated, types.CreateJobResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Job queued for processing",
	})
}

// loadJob resolves the {id} path value to a job, writing the error response
// and returning nil when it cannot.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) *db.Job {
	id, err := pathUUID(r, "id")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return nil
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return nil
	}
	if job == nil {
		errorResponse(w, http.StatusNotFound, "Job not found")
		return nil
	}
	return job
}

// handleGetJob returns the public status view of a job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	jsonResponse(w, http.StatusOK, types.NewJobStatusResponse(job))
}

// handleListJobs lists the caller's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset = db.ClampPage(limit, offset, 50, 100)

	filters := db.JobFilters{OwnerID: &userID, Limit: limit, Offset: offset}
	if status := r.URL.Query().Get("status"); status != "" {
		filters.Status = db.JobStatus(status)
		if !filters.Status.Valid() {
			errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
	}

	jobs, err := s.store.ListJobs(r.Context(), filters)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	resp := types.JobListResponse{
		Jobs:   make([]types.JobStatusResponse, 0, len(jobs)),
		Limit:  limit,
		Offset: offset,
	}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, types.NewJobStatusResponse(&jobs[i]))
	}
	jsonResponse(w, http.StatusOK, resp)
}

func resultContentType(outputFormat string) string {
	if outputFormat == db.OutputFormatPLY {
		return "application/x-ply"
	}
	return "application/octet-stream"
}

// handleJobResult streams a completed job's result file.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	if job.Status != db.JobStatusCompleted || job.ResultRef == nil {
		errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Job not completed (status: %s)", job.Status))
		return
	}

	rc, err := s.blobs.Get(r.Context(), *job.ResultRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "Result file not found")
			return
		}
		s.storeError(w, r, err)
		return
	}
	defer rc.Close()

	filename := job.ID.String() + "." + job.Config.OutputFormat
	w.Header().Set("Content-Type", resultContentType(job.Config.OutputFormat))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("result download interrupted")
	}
}

// handleJobEvents streams job events as SSE until the job reaches a terminal
// status or the client goes away. The current state is sent first.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before reading the job so no update between the two is lost.
	ch, cancel := s.hub.Subscribe(id)
	defer cancel()

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if job == nil {
		errorResponse(w, http.StatusNotFound, "Job not found")
		return
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sse, err := NewSSEWriter(w)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	current := events.FromJob(job)
	if err := sse.WriteEvent("job", current); err != nil {
		return
	}
	if current.Terminal() {
		sse.WriteComplete(job.ID.String(), string(job.Status))
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := sse.WriteComment("keepalive"); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.WriteEvent("job", ev); err != nil {
				return
			}
			if ev.Terminal() {
				sse.WriteComplete(ev.JobID.String(), string(ev.Status))
				return
			}
		}
	}
}

// healthFromCounts summarizes queue depth. Claimed jobs count as active.
func healthFromCounts(counts map[db.JobStatus]int) types.HealthResponse {
	return types.HealthResponse{
		Status:     "ok",
		QueuedJobs: counts[db.JobStatusQueued],
		ActiveJobs: counts[db.JobStatusClaimed] + counts[db.JobStatusProcessing],
	}
}
