package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) publish(event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) snapshot() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestBatcherAddOutput(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}

	batcher := NewBatcher(BatchingConfig{
		FlushInterval: 10 * time.Second,
		MaxBatchSize:  5,
	}, rec.publish)

	require.NoError(t, batcher.AddOutput(ctx, "install", []byte("line1\n"), StreamStdout))
	require.NoError(t, batcher.AddOutput(ctx, "install", []byte("line2\n"), StreamStdout))
	require.NoError(t, batcher.AddOutput(ctx, "install", []byte("line3\n"), StreamStdout))

	require.Empty(t, rec.snapshot(), "Should not publish until batch is full")

	require.NoError(t, batcher.AddOutput(ctx, "certomancer", []byte("line4\n"), StreamStderr))
	require.NoError(t, batcher.AddOutput(ctx, "install", []byte("line5\n"), StreamStdout))

	published := rec.snapshot()
	require.Len(t, published, 1, "Should publish batch when max size reached")

	event := published[0]
	require.Equal(t, TypeOutputBatch, event.Type)
	require.NotNil(t, event.Batch)
	require.Equal(t, int64(1), event.Batch.StartSequence)
	require.Equal(t, int64(5), event.Batch.EndSequence)
	require.Len(t, event.Batch.Outputs, 5)
	require.Equal(t, int64(1), event.Sequence)

	require.Equal(t, []byte("line1\n"), event.Batch.Outputs[0].Output)
	require.Equal(t, "certomancer", event.Batch.Outputs[3].Source)
	require.Equal(t, StreamStderr, event.Batch.Outputs[3].StreamType)

	require.NoError(t, batcher.Stop())
}

func TestBatcherCopiesOutput(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	batcher := NewBatcher(BatchingConfig{FlushInterval: 10 * time.Second}, rec.publish)

	buf := []byte("original")
	require.NoError(t, batcher.AddOutput(ctx, "test", buf, StreamStdout))
	copy(buf, "mutated!")
	require.NoError(t, batcher.Flush())

	require.Equal(t, []byte("original"), rec.snapshot()[0].Batch.Outputs[0].Output)
}

func TestBatcherMaxBytes(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}

	batcher := NewBatcher(BatchingConfig{
		FlushInterval: 10 * time.Second,
		MaxBatchSize:  100,
		MaxBatchBytes: 100,
	}, rec.publish)

	largeOutput := make([]byte, 40)
	for i := 0; i < 3; i++ {
		require.NoError(t, batcher.AddOutput(ctx, "s", largeOutput, StreamStdout))
	}

	require.NotEmpty(t, rec.snapshot(), "Should flush when max bytes exceeded")
	require.NoError(t, batcher.Stop())
}

func TestBatcherTimer(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}

	batcher := NewBatcher(BatchingConfig{
		FlushInterval: 200 * time.Millisecond,
		MaxBatchSize:  100,
	}, rec.publish)

	require.NoError(t, batcher.AddOutput(ctx, "s", []byte("line1\n"), StreamStdout))
	require.Empty(t, rec.snapshot(), "Should not publish immediately")

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Len(t, rec.snapshot()[0].Batch.Outputs, 1)
	require.NoError(t, batcher.Stop())
}

func TestBatcherNonOutputEvent(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}

	batcher := NewBatcher(BatchingConfig{FlushInterval: 10 * time.Second}, rec.publish)

	require.NoError(t, batcher.AddOutput(ctx, "build", []byte("line1\n"), StreamStdout))
	require.NoError(t, batcher.AddOutput(ctx, "build", []byte("line2\n"), StreamStdout))
	require.Empty(t, rec.snapshot())

	require.NoError(t, batcher.AddEvent(ctx, &Event{Type: TypeStepEnd, Step: "build", Status: "succeeded"}))

	published := rec.snapshot()
	require.Len(t, published, 2)
	require.Equal(t, TypeOutputBatch, published[0].Type)
	require.Equal(t, TypeStepEnd, published[1].Type)
	require.Equal(t, int64(3), published[1].Sequence, "step_end comes after the two outputs")
	require.False(t, published[1].Timestamp.IsZero())

	require.NoError(t, batcher.Stop())
}

func TestBatcherSequenceMonotonicity(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}

	batcher := NewBatcher(BatchingConfig{
		FlushInterval: 10 * time.Second,
		MaxBatchSize:  3,
	}, rec.publish)

	for i := 0; i < 10; i++ {
		require.NoError(t, batcher.AddOutput(ctx, "s", []byte("line\n"), StreamStdout))
	}

	published := rec.snapshot()
	require.Len(t, published, 3)
	for i, ev := range published {
		require.Equal(t, int64(i*3+1), ev.Batch.StartSequence)
		require.Equal(t, int64(i*3+3), ev.Batch.EndSequence)
	}

	require.NoError(t, batcher.Flush())
	published = rec.snapshot()
	require.Len(t, published, 4)
	require.Equal(t, int64(10), published[3].Batch.StartSequence)
	require.Equal(t, int64(10), published[3].Batch.EndSequence)

	require.NoError(t, batcher.Stop())
}

func TestBatcherStop(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}

	batcher := NewBatcher(BatchingConfig{FlushInterval: 10 * time.Second}, rec.publish)

	require.NoError(t, batcher.AddOutput(ctx, "s", []byte("line1\n"), StreamStdout))
	require.NoError(t, batcher.AddOutput(ctx, "s", []byte("line2\n"), StreamStdout))

	require.NoError(t, batcher.Stop())
	require.NoError(t, batcher.Stop(), "Stop is idempotent")

	published := rec.snapshot()
	require.Len(t, published, 1)
	require.Len(t, published[0].Batch.Outputs, 2)

	require.ErrorIs(t, batcher.AddOutput(ctx, "s", []byte("line3\n"), StreamStdout), ErrBatcherStopped)
	require.ErrorIs(t, batcher.AddEvent(ctx, &Event{Type: TypeRunEnd}), ErrBatcherStopped)
}

func TestBatcherConcurrentOperations(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}

	batcher := NewBatcher(BatchingConfig{
		FlushInterval: 50 * time.Millisecond,
		MaxBatchSize:  50,
	}, rec.publish)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := batcher.AddOutput(ctx, "svc", []byte("line\n"), StreamStdout); err != nil {
					t.Errorf("failed to add output: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, batcher.Stop())

	totalItems := 0
	for _, event := range rec.snapshot() {
		totalItems += len(event.Batch.Outputs)
	}
	require.Equal(t, 60, totalItems)
}
