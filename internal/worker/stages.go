package worker

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/jonathan/splat-queue/internal/db"
)

// maxDetailRunes matches the status schema's detail length limit.
const maxDetailRunes = 500

// StageTracker holds a job's pipeline stages while it runs. Every change
// except FailRemaining is passed to onChange with a snapshot of all stages.
type StageTracker struct {
	mu       sync.Mutex
	stages   []db.Stage
	onChange func([]db.Stage)
}

// NewStageTracker starts from the pending stage template. onChange may be nil.
func NewStageTracker(onChange func([]db.Stage)) *StageTracker {
	return &StageTracker{
		stages:   db.NewStageTemplate(),
		onChange: onChange,
	}
}

// Start marks a stage running.
func (t *StageTracker) Start(name string) error {
	return t.Set(name, db.StageRunning, "")
}

// Progress updates a running stage's detail, e.g. "step 120/7000".
func (t *StageTracker) Progress(name, detail string) error {
	return t.Set(name, db.StageRunning, detail)
}

// Complete marks a stage completed.
func (t *StageTracker) Complete(name, detail string) error {
	return t.Set(name, db.StageCompleted, detail)
}

// Set moves a stage to status. An empty detail keeps the previous one.
func (t *StageTracker) Set(name string, status db.StageStatus, detail string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown stage status %q", status)
	}

	t.mu.Lock()
	i := t.indexLocked(name)
	if i < 0 {
		t.mu.Unlock()
		return fmt.Errorf("unknown stage %q", name)
	}
	t.stages[i].Status = status
	if detail != "" {
		d := truncateRunes(detail, maxDetailRunes)
		t.stages[i].Detail = &d
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(snapshot)
	}
	return nil
}

// FailRemaining marks every pending or running stage failed. It does not
// notify; the failure report carries the stages.
func (t *StageTracker) FailRemaining() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stages = db.FailRemainingStages(t.stages)
}

// Snapshot returns a copy of the current stages.
func (t *StageTracker) Snapshot() []db.Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *StageTracker) indexLocked(name string) int {
	for i, s := range t.stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (t *StageTracker) snapshotLocked() []db.Stage {
	out := make([]db.Stage, len(t.stages))
	for i, s := range t.stages {
		out[i] = s
		if s.Detail != nil {
			d := *s.Detail
			out[i].Detail = &d
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
