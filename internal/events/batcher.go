package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/util"
)

// ErrBatcherStopped is returned when adding to a stopped batcher.
var ErrBatcherStopped = errors.New("event batcher is stopped")

// flush reasons, logged with each batch
const (
	flushElapsed     = "interval"
	flushMaxItems    = "max_items"
	flushMaxBytes    = "max_bytes"
	flushBeforeEvent = "before_event"
	flushManual      = "manual"
	flushStop        = "stop"
)

// BatchingConfig controls when buffered output is flushed.
type BatchingConfig struct {
	FlushInterval          time.Duration
	MaxBatchSize           int32
	MaxBatchBytes          int64
	PlaybackIntervalMillis int32
}

// DefaultBatchingConfig returns the defaults used by the runner.
func DefaultBatchingConfig() BatchingConfig {
	return BatchingConfig{
		FlushInterval:          2 * time.Second,
		MaxBatchSize:           50,
		MaxBatchBytes:          1048576,
		PlaybackIntervalMillis: 50,
	}
}

// Batcher buffers output chunks and flushes them into output_batch events
// based on a timer and size/byte thresholds. It is safe for concurrent use,
// which matters because service daemons write output while steps run.
type Batcher struct {
	mu sync.Mutex

	flushInterval    time.Duration
	maxBatchSize     int32
	maxBatchBytes    int64
	playbackInterval int32

	buffer           []OutputItem
	bufferBytes      int64
	batchStartSeq    int64
	currentSeq       int64
	firstTimestampMs int64

	flushTimer *time.Timer
	stopCh     chan struct{}

	onFlush func(*Event) error
}

var _ Publisher = (*Batcher)(nil)

// NewBatcher creates a batcher. Zero fields in cfg fall back to defaults.
func NewBatcher(cfg BatchingConfig, onFlush func(*Event) error) *Batcher {
	def := DefaultBatchingConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = def.MaxBatchBytes
	}
	if cfg.PlaybackIntervalMillis <= 0 {
		cfg.PlaybackIntervalMillis = def.PlaybackIntervalMillis
	}

	return &Batcher{
		flushInterval:    cfg.FlushInterval,
		maxBatchSize:     cfg.MaxBatchSize,
		maxBatchBytes:    cfg.MaxBatchBytes,
		playbackInterval: cfg.PlaybackIntervalMillis,
		buffer:           make([]OutputItem, 0, cfg.MaxBatchSize),
		stopCh:           make(chan struct{}),
		onFlush:          onFlush,
		currentSeq:       1,
	}
}

// AddOutput buffers a single output chunk from source.
func (b *Batcher) AddOutput(_ context.Context, source string, output []byte, stream StreamType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed() {
		return ErrBatcherStopped
	}

	// 16 bytes approximates the per-item framing overhead
	itemSize := int64(len(output) + len(source) + 16)

	nowMs := time.Now().UnixMilli()

	if len(b.buffer) == 0 {
		b.batchStartSeq = b.currentSeq
		b.firstTimestampMs = nowMs
		b.startFlushTimer()
	}

	// copy, callers may reuse their buffers
	data := make([]byte, len(output))
	copy(data, output)

	b.buffer = append(b.buffer, OutputItem{
		Source:           source,
		Output:           data,
		StreamType:       stream,
		TimestampDeltaMs: util.AsInt32FromInt64(nowMs - b.firstTimestampMs),
	})
	b.bufferBytes += itemSize
	b.currentSeq++

	switch {
	case util.AsInt32(len(b.buffer)) >= b.maxBatchSize:
		return b.flushLocked(flushMaxItems)
	case b.bufferBytes >= b.maxBatchBytes:
		return b.flushLocked(flushMaxBytes)
	}

	return nil
}

// AddEvent flushes buffered output and then publishes event, so output
// written before the event is always ordered before it.
func (b *Batcher) AddEvent(_ context.Context, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed() {
		return ErrBatcherStopped
	}

	if len(b.buffer) > 0 {
		if err := b.flushLocked(flushBeforeEvent); err != nil {
			return fmt.Errorf("failed to flush batch before event: %w", err)
		}
	}

	event.Sequence = b.currentSeq
	b.currentSeq++
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	return b.onFlush(event)
}

// Flush publishes any buffered output immediately.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffer) == 0 {
		return nil
	}

	return b.flushLocked(flushManual)
}

// Stop flushes pending output and rejects further input.
func (b *Batcher) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed() {
		return nil
	}
	close(b.stopCh)

	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}

	if len(b.buffer) > 0 {
		return b.flushLocked(flushStop)
	}

	return nil
}

// flushLocked must be called with the lock held.
func (b *Batcher) flushLocked(reason string) error {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}

	if len(b.buffer) == 0 {
		return nil
	}

	startSeq := b.batchStartSeq
	endSeq := startSeq + int64(len(b.buffer)) - 1

	batchEvent := &Event{
		Sequence:  startSeq,
		Timestamp: time.Now().UTC(),
		Type:      TypeOutputBatch,
		Batch: &OutputBatch{
			Outputs:                b.buffer,
			StartSequence:          startSeq,
			EndSequence:            endSeq,
			FirstTimestampMs:       b.firstTimestampMs,
			PlaybackIntervalMillis: b.playbackInterval,
		},
	}

	log.Debug().
		Int64("start_seq", startSeq).
		Int64("end_seq", endSeq).
		Int("item_count", len(b.buffer)).
		Int64("bytes", b.bufferBytes).
		Str("reason", reason).
		Msg("Flushing output batch")

	err := b.onFlush(batchEvent)

	b.buffer = make([]OutputItem, 0, b.maxBatchSize)
	b.bufferBytes = 0

	return err
}

// startFlushTimer must be called with the lock held.
func (b *Batcher) startFlushTimer() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}

	b.flushTimer = time.AfterFunc(b.flushInterval, b.flushOnTimer)
}

func (b *Batcher) flushOnTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed() || len(b.buffer) == 0 {
		return
	}
	if err := b.flushLocked(flushElapsed); err != nil {
		log.Error().Err(err).Msg("Failed to flush output batch on timer")
	}
}

// closed must be called with the lock held.
func (b *Batcher) closed() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}
