package types

import (
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/db"
)

// CreateJobResponse is returned when an upload is accepted.
type CreateJobResponse struct {
	JobID   uuid.UUID    `json:"job_id"`
	Status  db.JobStatus `json:"status"`
	Message string       `json:"message"`
}

// JobStatusResponse is the public view of a job.
type JobStatusResponse struct {
	JobID        uuid.UUID    `json:"job_id"`
	Status       db.JobStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Stages       []db.Stage   `json:"stages"`
	Error        *string      `json:"error"`
	ResultFormat *string      `json:"result_format,omitempty"`
	Config       db.JobConfig `json:"config"`
}

// NewJobStatusResponse builds the public view of job. The result format is
// only reported once a result exists.
func NewJobStatusResponse(job *db.Job) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Stages:    job.Stages,
		Error:     job.Error,
		Config:    job.Config,
	}
	if job.Status == db.JobStatusCompleted {
		format := job.Config.OutputFormat
		resp.ResultFormat = &format
	}
	return resp
}

// JobListResponse lists the caller's jobs.
type JobListResponse struct {
	Jobs   []JobStatusResponse `json:"jobs"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// HealthResponse reports service liveness and queue depth.
type HealthResponse struct {
	Status     string `json:"status"`
	QueuedJobs int    `json:"queued_jobs"`
	ActiveJobs int    `json:"active_jobs"`
}
