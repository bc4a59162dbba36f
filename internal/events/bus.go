// Package events carries job progress between the API instances that mutate
// jobs and the SSE clients watching them.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/db"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("event bus closed")

// JobEvent is a snapshot of a job published after every successful mutation.
type JobEvent struct {
	JobID     uuid.UUID    `json:"job_id"`
	Status    db.JobStatus `json:"status"`
	Stages    []db.Stage   `json:"stages"`
	Error     *string      `json:"error,omitempty"`
	ResultRef *string      `json:"result_ref,omitempty"`
	At        time.Time    `json:"at"`
}

// Terminal reports whether no further events will follow for the job.
func (e JobEvent) Terminal() bool {
	return e.Status.Terminal()
}

// FromJob builds the event for a job's current state.
func FromJob(job *db.Job) JobEvent {
	return JobEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Stages:    job.Stages,
		Error:     job.Error,
		ResultRef: job.ResultRef,
		At:        job.UpdatedAt,
	}
}

// Bus publishes job events and forwards every published event, including
// those from other instances, to a local callback.
type Bus interface {
	Publish(ctx context.Context, ev JobEvent) error
	StartForwarder(ctx context.Context, onEvent func(JobEvent)) error
	Close() error
}
