package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/splat-queue/internal/blob"
	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/events"
	"github.com/jonathan/splat-queue/internal/types"
)

func (e *testEnv) worker(method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testWorkerKey)
	return e.do(req)
}

func workerPath(id uuid.UUID, suffix string) string {
	return "/api/v1/worker/jobs/" + id.String() + "/" + suffix
}

func nextEvent(t *testing.T, ch <-chan events.JobEvent) events.JobEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("expected an event")
		return events.JobEvent{}
	}
}

func TestWorkerRoutes_RequireKey(t *testing.T) {
	env := newTestEnv(t)
	job := env.queueJob(t, db.JobConfig{})

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/worker/claim"},
		{http.MethodGet, workerPath(job.ID, "video")},
		{http.MethodPut, workerPath(job.ID, "status")},
		{http.MethodPut, workerPath(job.ID, "result")},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := env.request(rt.method, rt.path, nil, "")
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			w = env.request(rt.method, rt.path, nil, "wrong-key")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	stored, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusQueued, stored.Status, "rejected calls must not touch the job")
}

func TestClaim(t *testing.T) {
	env := newTestEnv(t)
	first := env.queueJob(t, db.JobConfig{})
	second := env.queueJob(t, db.JobConfig{})
	ch, cancel := env.srv.hub.Subscribe(first.ID)
	defer cancel()

	w := env.worker(http.MethodPost, "/api/v1/worker/claim", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[types.ClaimResponse](t, w)
	require.NotNil(t, resp.Job)
	assert.Equal(t, first.ID, resp.Job.ID, "oldest job first")
	assert.Equal(t, db.JobStatusClaimed, resp.Job.Status)
	assert.NotNil(t, resp.Job.ClaimedAt)

	ev := nextEvent(t, ch)
	assert.Equal(t, db.JobStatusClaimed, ev.Status)

	w = env.worker(http.MethodPost, "/api/v1/worker/claim", nil)
	resp = decodeJSON[types.ClaimResponse](t, w)
	require.NotNil(t, resp.Job)
	assert.Equal(t, second.ID, resp.Job.ID)
}

func TestClaim_EmptyQueue(t *testing.T) {
	env := newTestEnv(t)

	w := env.worker(http.MethodPost, "/api/v1/worker/claim", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"job":null}`, w.Body.String())
}

func TestWorkerVideo(t *testing.T) {
	env := newTestEnv(t)
	job := env.queueJob(t, db.JobConfig{})

	w := env.worker(http.MethodGet, workerPath(job.ID, "video"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video-bytes", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

func TestWorkerVideo_Missing(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.store.CreateJob(context.Background(), uuid.New(), db.JobConfig{}, "videos/gone.mp4", nil)
	require.NoError(t, err)

	w := env.worker(http.MethodGet, workerPath(job.ID, "video"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.worker(http.MethodGet, workerPath(uuid.New(), "video"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkerStatus_Processing(t *testing.T) {
	env := newTestEnv(t)
	job := env.queueJob(t, db.JobConfig{})
	env.store.setStatus(job.ID, db.JobStatusClaimed)
	ch, cancel := env.srv.hub.Subscribe(job.ID)
	defer cancel()

	body := `{"status":"processing","stages":[{"name":"frame_extraction","status":"running","detail":"12/40"}]}`
	w := env.worker(http.MethodPut, workerPath(job.ID, "status"), strings.NewReader(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	updated := decodeJSON[db.Job](t, w)
	assert.Equal(t, db.JobStatusProcessing, updated.Status)
	require.NotEmpty(t, updated.Stages)
	assert.Equal(t, "frame_extraction", updated.Stages[0].Name)
	assert.Equal(t, db.StageRunning, updated.Stages[0].Status)
	require.NotNil(t, updated.Stages[0].Detail)
	assert.Equal(t, "12/40", *updated.Stages[0].Detail)

	ev := nextEvent(t, ch)
	assert.Equal(t, db.JobStatusProcessing, ev.Status)
}

func TestWorkerStatus_Failed(t *testing.T) {
	env := newTestEnv(t)
	job := env.queueJob(t, db.JobConfig{})
	env.store.setStatus(job.ID, db.JobStatusProcessing)

	body := `{"status":"failed","error":"colmap exited with status 1"}`
	w := env.worker(http.MethodPut, workerPath(job.ID, "status"), strings.NewReader(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	updated := decodeJSON[db.Job](t, w)
	assert.Equal(t, db.JobStatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Equal(t, "colmap exited with status 1", *updated.Error)
	for _, st := range updated.Stages {
		assert.NotEqual(t, db.StagePending, st.Status, "stage %s left pending", st.Name)
		assert.NotEqual(t, db.StageRunning, st.Status, "stage %s left running", st.Name)
	}
	assert.Contains(t, env.logs.String(), "job failed")
}

func TestWorkerStatus_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		from     db.JobStatus
		body     string
		wantCode int
	}{
		{name: "unknown status", from: db.JobStatusClaimed, body: `{"status":"paused"}`, wantCode: http.StatusBadRequest},
		{name: "missing status", from: db.JobStatusClaimed, body: `{"error":"x"}`, wantCode: http.StatusBadRequest},
		{name: "unknown stage", from: db.JobStatusClaimed, body: `{"status":"processing","stages":[{"name":"meshing","status":"running"}]}`, wantCode: http.StatusBadRequest},
		{name: "extra field", from: db.JobStatusClaimed, body: `{"status":"processing","progress":50}`, wantCode: http.StatusBadRequest},
		{name: "not json", from: db.JobStatusClaimed, body: `status=processing`, wantCode: http.StatusBadRequest},
		{name: "processing before claim", from: db.JobStatusQueued, body: `{"status":"processing"}`, wantCode: http.StatusConflict},
		{name: "completed through status", from: db.JobStatusProcessing, body: `{"status":"completed"}`, wantCode: http.StatusConflict},
		{name: "processing after completion", from: db.JobStatusCompleted, body: `{"status":"processing"}`, wantCode: http.StatusConflict},
		{name: "failed after completion", from: db.JobStatusCompleted, body: `{"status":"failed"}`, wantCode: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			job := env.queueJob(t, db.JobConfig{})
			env.store.setStatus(job.ID, tt.from)

			w := env.worker(http.MethodPut, workerPath(job.ID, "status"), strings.NewReader(tt.body))
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())

			stored, err := env.store.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.from, stored.Status, "status unchanged")
		})
	}
}

func TestWorkerStatus_UnknownJob(t *testing.T) {
	env := newTestEnv(t)

	w := env.worker(http.MethodPut, workerPath(uuid.New(), "status"), strings.NewReader(`{"status":"processing"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkerResult(t *testing.T) {
	env := newTestEnv(t)
	job := env.queueJob(t, db.JobConfig{OutputFormat: db.OutputFormatPLY})
	env.store.setStatus(job.ID, db.JobStatusProcessing)
	ch, cancel := env.srv.hub.Subscribe(job.ID)
	defer cancel()

	w := env.worker(http.MethodPut, workerPath(job.ID, "result"), bytes.NewReader([]byte("ply-data")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeJSON[types.ResultResponse](t, w)
	assert.True(t, resp.Created)
	assert.Equal(t, blob.ResultKey(job.ID.String(), db.OutputFormatPLY), resp.ResultRef)
	assert.NotEqual(t, uuid.Nil, resp.PostID)

	stored, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, stored.Status)
	for _, st := range stored.Stages {
		assert.Equal(t, db.StageCompleted, st.Status, "stage %s", st.Name)
	}

	post, err := env.store.GetPost(context.Background(), resp.PostID)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, job.ID, post.JobID)

	rc, err := env.blobs.Get(context.Background(), resp.ResultRef)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "ply-data", string(data))

	ev := nextEvent(t, ch)
	assert.Equal(t, db.JobStatusCompleted, ev.Status)
	assert.True(t, ev.Terminal())
}

func TestWorkerResult_FirstResultWins(t *testing.T) {
	env := newTestEnv(t)
	job := env.queueJob(t, db.JobConfig{})
	env.store.setStatus(job.ID, db.JobStatusProcessing)

	w := env.worker(http.MethodPut, workerPath(job.ID, "result"), strings.NewReader("first"))
	require.Equal(t, http.StatusOK, w.Code)
	first := decodeJSON[types.ResultResponse](t, w)

	ch, cancel := env.srv.hub.Subscribe(job.ID)
	defer cancel()

	w = env.worker(http.MethodPut, workerPath(job.ID, "result"), strings.NewReader("second"))
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeJSON[types.ResultResponse](t, w)

	assert.False(t, second.Created)
	assert.Equal(t, first.PostID, second.PostID)
	assert.Equal(t, first.ResultRef, second.ResultRef)
	assert.Empty(t, ch, "a repeated upload publishes nothing")

	rc, err := env.blobs.Get(context.Background(), first.ResultRef)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestWorkerResult_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		from     db.JobStatus
		body     []byte
		wantCode int
	}{
		{name: "queued", from: db.JobStatusQueued, body: []byte("x"), wantCode: http.StatusConflict},
		{name: "claimed", from: db.JobStatusClaimed, body: []byte("x"), wantCode: http.StatusConflict},
		{name: "failed", from: db.JobStatusFailed, body: []byte("x"), wantCode: http.StatusConflict},
		{name: "too large", from: db.JobStatusProcessing, body: bytes.Repeat([]byte("a"), 2<<20), wantCode: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			job := env.queueJob(t, db.JobConfig{})
			env.store.setStatus(job.ID, tt.from)

			w := env.worker(http.MethodPut, workerPath(job.ID, "result"), bytes.NewReader(tt.body))
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())

			stored, err := env.store.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.from, stored.Status)
			assert.Nil(t, stored.ResultRef)
		})
	}
}

func TestWorkerResult_UnknownJob(t *testing.T) {
	env := newTestEnv(t)

	w := env.worker(http.MethodPut, workerPath(uuid.New(), "result"), strings.NewReader("x"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
