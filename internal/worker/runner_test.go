package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/types"
)

// fakeQueue is an in-memory QueueClient.
type fakeQueue struct {
	mu        sync.Mutex
	jobs      []*db.Job
	updates   map[uuid.UUID][]types.StatusUpdateRequest
	uploads   map[uuid.UUID]string
	claimErr  error
	statusErr error
	uploadErr error
	onUpload  func()
}

func newFakeQueue(jobs ...*db.Job) *fakeQueue {
	return &fakeQueue{
		jobs:    jobs,
		updates: make(map[uuid.UUID][]types.StatusUpdateRequest),
		uploads: make(map[uuid.UUID]string),
	}
}

func (q *fakeQueue) Claim(context.Context) (*db.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *fakeQueue) DownloadVideo(_ context.Context, _ uuid.UUID, dst string) (int64, error) {
	data := []byte("video")
	return int64(len(data)), os.WriteFile(dst, data, 0o644)
}

func (q *fakeQueue) UpdateStatus(_ context.Context, jobID uuid.UUID, update types.StatusUpdateRequest) (*db.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.statusErr != nil {
		return nil, q.statusErr
	}
	q.updates[jobID] = append(q.updates[jobID], update)
	return &db.Job{ID: jobID, Status: update.Status}, nil
}

func (q *fakeQueue) UploadResult(_ context.Context, jobID uuid.UUID, path string) (*types.ResultResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	if q.uploadErr != nil {
		q.mu.Unlock()
		return nil, q.uploadErr
	}
	q.uploads[jobID] = string(data)
	onUpload := q.onUpload
	q.mu.Unlock()
	if onUpload != nil {
		onUpload()
	}
	return &types.ResultResponse{PostID: uuid.New(), Created: true}, nil
}

func (q *fakeQueue) statuses(jobID uuid.UUID) []types.StatusUpdateRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.StatusUpdateRequest(nil), q.updates[jobID]...)
}

// processorFunc adapts a function to Processor.
type processorFunc func(ctx context.Context, req ProcessRequest, tracker *StageTracker) (string, error)

func (f processorFunc) Process(ctx context.Context, req ProcessRequest, tracker *StageTracker) (string, error) {
	return f(ctx, req, tracker)
}

// fullPipeline walks every stage and writes a result.
func fullPipeline(_ context.Context, req ProcessRequest, tracker *StageTracker) (string, error) {
	if _, err := os.Stat(req.VideoPath); err != nil {
		return "", err
	}
	for _, name := range db.StageNames {
		_ = tracker.Start(name)
		_ = tracker.Complete(name, "")
	}
	out := filepath.Join(req.WorkDir, "output."+req.Config.OutputFormat)
	return out, os.WriteFile(out, []byte("result-for-"+req.JobID.String()), 0o644)
}

func newJob() *db.Job {
	return &db.Job{
		ID:       uuid.New(),
		Status:   db.JobStatusClaimed,
		Config:   db.JobConfig{OutputFormat: db.OutputFormatSplat, MaxFrames: 40, TrainingIterations: 7000, Resolution: 768},
		VideoRef: "videos/x.mov",
	}
}

func newTestRunner(t *testing.T, q QueueClient, p Processor, logs *bytes.Buffer) *Runner {
	t.Helper()
	log := zerolog.Nop()
	if logs != nil {
		log = zerolog.New(logs)
	}
	r, err := NewRunner(q, p, Config{
		Concurrency:     1,
		PollInterval:    time.Millisecond,
		MaxPollInterval: 4 * time.Millisecond,
		WorkDir:         t.TempDir(),
	}, log)
	require.NoError(t, err)
	return r
}

func TestNewRunner_Validation(t *testing.T) {
	q := newFakeQueue()
	p := processorFunc(fullPipeline)

	_, err := NewRunner(nil, p, Config{PollInterval: time.Second, WorkDir: "x"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewRunner(q, p, Config{WorkDir: "x"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewRunner(q, p, Config{PollInterval: time.Second}, zerolog.Nop())
	assert.Error(t, err)

	r, err := NewRunner(q, p, Config{PollInterval: time.Second, MaxPollInterval: time.Millisecond, WorkDir: "x"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, r.cfg.Concurrency)
	assert.Equal(t, time.Second, r.cfg.MaxPollInterval)
}

func TestRunner_PollBackOff(t *testing.T) {
	r := &Runner{cfg: Config{PollInterval: 10 * time.Millisecond, MaxPollInterval: 40 * time.Millisecond}}
	b := r.pollBackOff()

	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestRunOnce_Success(t *testing.T) {
	job := newJob()
	q := newFakeQueue(job)
	var workDir string
	p := processorFunc(func(ctx context.Context, req ProcessRequest, tracker *StageTracker) (string, error) {
		workDir = req.WorkDir
		assert.Equal(t, ".mov", filepath.Ext(req.VideoPath))
		assert.Equal(t, job.Config, req.Config)
		return fullPipeline(ctx, req, tracker)
	})
	r := newTestRunner(t, q, p, nil)

	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	updates := q.statuses(job.ID)
	require.NotEmpty(t, updates)
	assert.Equal(t, db.JobStatusProcessing, updates[0].Status)
	assert.Nil(t, updates[0].Stages)
	for _, u := range updates {
		assert.Equal(t, db.JobStatusProcessing, u.Status, "no failure reported")
	}
	last := updates[len(updates)-1]
	require.Len(t, last.Stages, len(db.StageNames))
	assert.Equal(t, db.StageCompleted, last.Stages[3].Status)

	assert.Equal(t, "result-for-"+job.ID.String(), q.uploads[job.ID])
	_, err = os.Stat(workDir)
	assert.True(t, os.IsNotExist(err), "work dir is removed")
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	r := newTestRunner(t, newFakeQueue(), processorFunc(fullPipeline), nil)

	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunOnce_ClaimError(t *testing.T) {
	q := newFakeQueue(newJob())
	q.claimErr = errors.New("connection refused")
	r := newTestRunner(t, q, processorFunc(fullPipeline), nil)

	claimed, err := r.RunOnce(context.Background())
	assert.Error(t, err)
	assert.False(t, claimed)
}

func TestRunOnce_ProcessorFailure(t *testing.T) {
	job := newJob()
	q := newFakeQueue(job)
	logs := &bytes.Buffer{}
	p := processorFunc(func(_ context.Context, _ ProcessRequest, tracker *StageTracker) (string, error) {
		_ = tracker.Complete(db.StageFrameExtraction, "")
		_ = tracker.Start(db.StagePoseEstimation)
		return "", &PipelineError{Message: "pipeline failed", ExitCode: 1, Stderr: "colmap: no matches"}
	})
	r := newTestRunner(t, q, p, logs)

	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	updates := q.statuses(job.ID)
	last := updates[len(updates)-1]
	assert.Equal(t, db.JobStatusFailed, last.Status)
	require.NotNil(t, last.Error)
	assert.Contains(t, *last.Error, "colmap: no matches")
	require.Len(t, last.Stages, 4)
	assert.Equal(t, db.StageCompleted, last.Stages[0].Status)
	assert.Equal(t, db.StageFailed, last.Stages[1].Status)
	assert.Equal(t, db.StageFailed, last.Stages[3].Status)

	assert.Empty(t, q.uploads)
	assert.Contains(t, logs.String(), `"job_id":"`+job.ID.String()+`"`)
	assert.Contains(t, logs.String(), "job failed")
}

func TestRunOnce_LongErrorTruncated(t *testing.T) {
	job := newJob()
	q := newFakeQueue(job)
	p := processorFunc(func(context.Context, ProcessRequest, *StageTracker) (string, error) {
		return "", errors.New(string(bytes.Repeat([]byte("x"), 5000)))
	})
	r := newTestRunner(t, q, p, nil)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	updates := q.statuses(job.ID)
	last := updates[len(updates)-1]
	require.NotNil(t, last.Error)
	assert.Len(t, *last.Error, maxErrorRunes)
}

func TestRunOnce_UploadFailure(t *testing.T) {
	job := newJob()
	q := newFakeQueue(job)
	q.uploadErr = &StatusError{Op: "upload result", StatusCode: http.StatusRequestEntityTooLarge}
	r := newTestRunner(t, q, processorFunc(fullPipeline), nil)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	updates := q.statuses(job.ID)
	last := updates[len(updates)-1]
	assert.Equal(t, db.JobStatusFailed, last.Status)
	require.NotNil(t, last.Error)
	assert.Contains(t, *last.Error, "failed to upload result")
}

func TestRunOnce_UploadRejectedAsIllegal(t *testing.T) {
	job := newJob()
	q := newFakeQueue(job)
	q.uploadErr = &StatusError{Op: "upload result", StatusCode: http.StatusConflict, Err: ErrIllegalTransition}
	r := newTestRunner(t, q, processorFunc(fullPipeline), nil)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	for _, u := range q.statuses(job.ID) {
		assert.NotEqual(t, db.JobStatusFailed, u.Status, "a reaped job is not reported again")
	}
}

func TestRunOnce_AbandonsWhenProcessingRejected(t *testing.T) {
	job := newJob()
	q := newFakeQueue(job)
	q.statusErr = &StatusError{Op: "update status", StatusCode: http.StatusConflict, Err: ErrIllegalTransition}
	called := false
	p := processorFunc(func(context.Context, ProcessRequest, *StageTracker) (string, error) {
		called = true
		return "", nil
	})
	r := newTestRunner(t, q, p, nil)

	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.False(t, called, "the pipeline never runs")
	assert.Empty(t, q.uploads)
}

func TestRunOnce_CancelledStillReportsFailure(t *testing.T) {
	job := newJob()
	q := newFakeQueue(job)
	ctx, cancel := context.WithCancel(context.Background())
	p := processorFunc(func(ctx context.Context, _ ProcessRequest, _ *StageTracker) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	r := newTestRunner(t, q, p, nil)

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)

	updates := q.statuses(job.ID)
	last := updates[len(updates)-1]
	assert.Equal(t, db.JobStatusFailed, last.Status)
}

func TestRunner_RunDrainsQueue(t *testing.T) {
	jobs := []*db.Job{newJob(), newJob(), newJob(), newJob()}
	q := newFakeQueue(jobs...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	done := 0
	q.onUpload = func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		if done == len(jobs) {
			cancel()
		}
	}

	r, err := NewRunner(q, processorFunc(fullPipeline), Config{
		Concurrency:     2,
		PollInterval:    time.Millisecond,
		MaxPollInterval: 2 * time.Millisecond,
		WorkDir:         t.TempDir(),
	}, zerolog.Nop())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.uploads, len(jobs))
	for _, job := range jobs {
		assert.Contains(t, q.uploads, job.ID)
	}
}

func TestRunner_StopsWhileIdle(t *testing.T) {
	q := newFakeQueue()
	r := newTestRunner(t, q, processorFunc(fullPipeline), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Run(ctx))
}
