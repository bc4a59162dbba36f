package db

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusClaimed    JobStatus = "claimed"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AllJobStatuses lists every job status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusClaimed,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range AllJobStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions out of s are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// allowedFrom maps a target status to the statuses it may be entered from.
// Claim (queued -> claimed) and finalize (-> completed) have dedicated
// operations and are listed here so CanTransition describes the whole machine.
var allowedFrom = map[JobStatus][]JobStatus{
	JobStatusClaimed:    {JobStatusQueued},
	JobStatusProcessing: {JobStatusClaimed, JobStatusProcessing},
	JobStatusCompleted:  {JobStatusProcessing, JobStatusCompleted},
	JobStatusFailed:     {JobStatusQueued, JobStatusClaimed, JobStatusProcessing, JobStatusFailed},
}

// CanTransition reports whether a job in status from may move to status to.
// Self-transitions on processing, completed and failed are idempotent retries.
func CanTransition(from, to JobStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// AdvanceTargets are the statuses a worker may report through AdvanceJob.
var AdvanceTargets = []JobStatus{JobStatusProcessing, JobStatusFailed}

func isAdvanceTarget(s JobStatus) bool {
	for _, t := range AdvanceTargets {
		if s == t {
			return true
		}
	}
	return false
}

// failureMessage returns the error to store for a move to status to. Only a
// failed job carries one.
func failureMessage(to JobStatus, msg *string) *string {
	if to != JobStatusFailed {
		return nil
	}
	return msg
}

// StageStatus is the state of one pipeline stage.
type StageStatus string

// Stage status constants
const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Valid reports whether s is a known stage status.
func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageRunning, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Pipeline stage names, in execution order.
const (
	StageFrameExtraction = "frame_extraction"
	StagePoseEstimation  = "pose_estimation"
	StageTraining        = "training"
	StageConversion      = "conversion"
)

// StageNames is the fixed pipeline template every job is created with.
var StageNames = []string{
	StageFrameExtraction,
	StagePoseEstimation,
	StageTraining,
	StageConversion,
}

// Stage is one entry of a job's pipeline progress.
type Stage struct {
	Name   string      `json:"name"`
	Status StageStatus `json:"status"`
	Detail *string     `json:"detail,omitempty"`
}

// NewStageTemplate returns the initial stages for a new job, all pending.
func NewStageTemplate() []Stage {
	stages := make([]Stage, len(StageNames))
	for i, name := range StageNames {
		stages[i] = Stage{Name: name, Status: StagePending}
	}
	return stages
}

// MergeStages applies updates to current by stage name. The template shape is
// preserved: updates may only change status and detail of existing stages.
func MergeStages(current, updates []Stage) ([]Stage, error) {
	merged := make([]Stage, len(current))
	copy(merged, current)

	index := make(map[string]int, len(merged))
	for i, s := range merged {
		index[s.Name] = i
	}

	for _, u := range updates {
		i, ok := index[u.Name]
		if !ok {
			return nil, &ValidationError{Field: "stages", Message: fmt.Sprintf("unknown stage %q", u.Name)}
		}
		if !u.Status.Valid() {
			return nil, &ValidationError{Field: "stages", Message: fmt.Sprintf("unknown stage status %q", u.Status)}
		}
		merged[i].Status = u.Status
		if u.Detail != nil {
			detail := *u.Detail
			merged[i].Detail = &detail
		}
	}
	return merged, nil
}

// FailRemainingStages marks every pending or running stage as failed.
func FailRemainingStages(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	for i := range out {
		if out[i].Status == StagePending || out[i].Status == StageRunning {
			out[i].Status = StageFailed
		}
	}
	return out
}

// CompleteStages marks every stage that has not failed as completed.
func CompleteStages(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	for i := range out {
		if out[i].Status != StageFailed {
			out[i].Status = StageCompleted
		}
	}
	return out
}

// Output formats
const (
	OutputFormatSplat = "splat"
	OutputFormatPLY   = "ply"
)

// JobConfig bounds and defaults
const (
	DefaultMaxFrames          = 40
	DefaultTrainingIterations = 7000
	DefaultResolution         = 768
	MinResolution             = 256
	MaxResolution             = 1920
	resolutionStep            = 64
)

// JobConfig holds the processing parameters fixed at job creation.
type JobConfig struct {
	OutputFormat       string `json:"output_format" validate:"oneof=splat ply"`
	MaxFrames          int    `json:"max_frames" validate:"min=8,max=80"`
	TrainingIterations int    `json:"training_iterations" validate:"min=1000,max=30000"`
	Resolution         int    `json:"resolution" validate:"min=256,max=1920"`
}

var configValidator = validator.New()

// Normalize fills defaults for zero values, validates bounds and clamps the
// resolution down to a multiple of 64.
func (c JobConfig) Normalize() (JobConfig, error) {
	if c.OutputFormat == "" {
		c.OutputFormat = OutputFormatSplat
	}
	if c.MaxFrames == 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.TrainingIterations == 0 {
		c.TrainingIterations = DefaultTrainingIterations
	}
	if c.Resolution == 0 {
		c.Resolution = DefaultResolution
	}

	if err := configValidator.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return c, &ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param()),
			}
		}
		return c, &ValidationError{Field: "config", Message: err.Error()}
	}

	c.Resolution = max(MinResolution, min(MaxResolution, (c.Resolution/resolutionStep)*resolutionStep))
	return c, nil
}

// Job is a video-to-splat processing request and its pipeline state.
type Job struct {
	ID        uuid.UUID  `json:"id"`
	Status    JobStatus  `json:"status"`
	Config    JobConfig  `json:"config"`
	VideoRef  string     `json:"video_ref"`
	ResultRef *string    `json:"result_ref,omitempty"`
	Stages    []Stage    `json:"stages"`
	Error     *string    `json:"error,omitempty"`
	OwnerID   *uuid.UUID `json:"owner_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// JobFilters holds optional filters for listing jobs
type JobFilters struct {
	Status  JobStatus
	OwnerID *uuid.UUID
	Limit   int
	Offset  int
}

// FinalizeResult is the outcome of FinalizeJob.
type FinalizeResult struct {
	Job     *Job
	Post    *Post
	Created bool // false when the job was already finalized
}
