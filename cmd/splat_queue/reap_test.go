package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReaper struct {
	mu      sync.Mutex
	calls   int
	results [][]uuid.UUID
	errs    []error
	onCall  func(n int)
}

func (f *fakeReaper) FailStaleJobs(_ context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(i + 1)
	}
	var ids []uuid.UUID
	if i < len(f.results) {
		ids = f.results[i]
	}
	if i < len(f.errs) {
		return ids, f.errs[i]
	}
	return ids, nil
}

func (f *fakeReaper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestReapOnce_LogsEachJob(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	store := &fakeReaper{results: [][]uuid.UUID{{a, b}}}
	logs := &bytes.Buffer{}

	failed, err := reapOnce(context.Background(), store, time.Hour, zerolog.New(logs))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, failed)
	assert.Contains(t, logs.String(), a.String())
	assert.Contains(t, logs.String(), b.String())
	assert.Contains(t, logs.String(), `"failed":2`)
}

func TestReapOnce_PartialFailure(t *testing.T) {
	a := uuid.New()
	store := &fakeReaper{results: [][]uuid.UUID{{a}}, errs: []error{errors.New("connection reset")}}
	logs := &bytes.Buffer{}

	failed, err := reapOnce(context.Background(), store, time.Hour, zerolog.New(logs))
	assert.ErrorContains(t, err, "failed to reap stale jobs")
	assert.Equal(t, []uuid.UUID{a}, failed)
	assert.Contains(t, logs.String(), a.String(), "jobs failed before the error are still logged")
}

func TestReapLoop_Once(t *testing.T) {
	store := &fakeReaper{}
	require.NoError(t, reapLoop(context.Background(), store, time.Hour, 0, zerolog.Nop()))
	assert.Equal(t, 1, store.callCount())

	broken := &fakeReaper{errs: []error{errors.New("down")}}
	assert.Error(t, reapLoop(context.Background(), broken, time.Hour, 0, zerolog.Nop()))
}

func TestReapLoop_IntervalSurvivesErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &fakeReaper{
		errs: []error{nil, errors.New("transient")},
		onCall: func(n int) {
			if n == 3 {
				cancel()
			}
		},
	}

	done := make(chan error, 1)
	go func() { done <- reapLoop(ctx, store, time.Hour, time.Millisecond, zerolog.Nop()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reap loop did not stop")
	}
	assert.GreaterOrEqual(t, store.callCount(), 3)
}

func TestRunReap_Disabled(t *testing.T) {
	clearEnv(t)
	setConfigPath(t, "")

	err := runReap(reapCmd, nil)
	assert.ErrorContains(t, err, "reaping is disabled")
}
