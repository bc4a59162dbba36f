package types

import (
	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/db"
)

// ClaimResponse carries the claimed job, or null when the queue is empty.
type ClaimResponse struct {
	Job *db.Job `json:"job"`
}

// StatusUpdateRequest is a worker's progress report.
type StatusUpdateRequest struct {
	Status db.JobStatus `json:"status"`
	Stages []db.Stage   `json:"stages,omitempty"`
	Error  *string      `json:"error,omitempty"`
}

// ResultResponse is returned after a result upload finalizes a job.
type ResultResponse struct {
	ResultRef string    `json:"result_ref"`
	PostID    uuid.UUID `json:"post_id"`
	Created   bool      `json:"created"`
}
