package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/livepipe/internal/pipeline"
	"github.com/wolfeidau/livepipe/internal/store"
	"github.com/wolfeidau/livepipe/internal/trigger"
)

type fakeRunner struct {
	release chan struct{}

	mu      sync.Mutex
	opts    []pipeline.Options
	running atomic.Int32
	maxSeen atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{})}
}

func (f *fakeRunner) Run(ctx context.Context, ev trigger.Event, opts pipeline.Options) (*store.Run, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	status := store.StatusSucceeded
	select {
	case <-f.release:
	case <-ctx.Done():
		status = store.StatusCancelled
	}
	return &store.Run{ID: opts.RunID, Event: ev, Status: status}, nil
}

func (f *fakeRunner) calls() []pipeline.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Options(nil), f.opts...)
}

func TestWorkerRunsJobsInOrder(t *testing.T) {
	runner := newFakeRunner()
	close(runner.release)

	w := New(runner, 4, pipeline.Options{Workspace: "/srv/livepipe", KeepWorkspace: true})

	done := make(chan *store.Run, 3)
	w.onDone = func(_ Job, run *store.Run, err error) {
		assert.NoError(t, err)
		done <- run
	}

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, w.Enqueue(ctx, Job{RunID: id, Force: id == "run-2"}))
	}

	var ids []string
	for range 3 {
		select {
		case run := <-done:
			ids = append(ids, run.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for runs")
		}
	}
	require.Equal(t, []string{"run-1", "run-2", "run-3"}, ids)

	calls := runner.calls()
	require.Len(t, calls, 3)
	require.False(t, calls[0].Force)
	require.True(t, calls[1].Force)
	require.Equal(t, "/srv/livepipe", calls[2].Workspace)
	require.True(t, calls[2].KeepWorkspace)
	require.Equal(t, int32(1), runner.maxSeen.Load())
}

func TestWorkerQueueFull(t *testing.T) {
	runner := newFakeRunner()
	w := New(runner, 1, pipeline.Options{})

	ctx := context.Background()

	// not started, so nothing drains the queue
	require.NoError(t, w.Enqueue(ctx, Job{RunID: "run-1"}))
	require.Equal(t, 1, w.Pending())

	err := w.Enqueue(ctx, Job{RunID: "run-2"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestWorkerStopCancelsRunningJob(t *testing.T) {
	runner := newFakeRunner()
	w := New(runner, 2, pipeline.Options{})

	done := make(chan *store.Run, 1)
	w.onDone = func(_ Job, run *store.Run, _ error) { done <- run }

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Enqueue(ctx, Job{RunID: "run-1"}))

	require.Eventually(t, func() bool { return runner.running.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	run := <-done
	require.Equal(t, store.StatusCancelled, run.Status)

	require.ErrorIs(t, w.Enqueue(ctx, Job{RunID: "run-2"}), ErrStopped)
	require.ErrorIs(t, w.Start(ctx), ErrStopped)

	// stopping twice is a no-op
	require.NoError(t, w.Stop(ctx))
}

func TestWorkerStopWithoutStart(t *testing.T) {
	w := New(newFakeRunner(), 0, pipeline.Options{})
	require.NoError(t, w.Stop(context.Background()))
}
