package journal

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/store"
	"github.com/wolfeidau/livepipe/internal/telemetry"
)

const stopTimeout = 5 * time.Second

// asyncSender delivers unsent records to the sink, retrying failures with
// exponential backoff.
type asyncSender struct {
	journal *fileJournal
	sink    EventSink
	cfg     *Config

	stopCh  chan struct{}
	doneCh  chan struct{}
	flushCh chan struct{}
}

func newAsyncSender(j *fileJournal, sink EventSink, cfg *Config) *asyncSender {
	return &asyncSender{
		journal: j,
		sink:    sink,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		flushCh: make(chan struct{}, 1),
	}
}

func (s *asyncSender) sendLoop(ctx context.Context) {
	defer close(s.doneCh)

	// cancelled on stop so an in-progress retry backoff ends promptly
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-sendCtx.Done():
		}
	}()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.trySend(sendCtx, 0)

		case <-s.flushCh:
			s.trySend(sendCtx, 0)

		case <-s.stopCh:
			// one last attempt with the caller's context
			s.trySend(context.WithoutCancel(ctx), 1)
			return

		case <-ctx.Done():
			log.Debug().Str("run_id", s.journal.runID).Msg("Journal sender context cancelled")
			return
		}
	}
}

// trySend delivers all unsent records in one batch. maxTries of 0 retries
// until success or cancellation.
func (s *asyncSender) trySend(ctx context.Context, maxTries uint) {
	unsent := s.journal.index.unsent()
	if len(unsent) == 0 {
		return
	}

	evs, valid := s.readRecords(unsent)
	if len(evs) == 0 {
		return
	}

	metrics := telemetry.GetMetrics()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryBackoff.InitialInterval
	bo.MaxInterval = s.cfg.RetryBackoff.MaxInterval
	bo.Multiplier = s.cfg.RetryBackoff.Multiplier

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().
				Err(err).
				Str("run_id", s.journal.runID).
				Int("event_count", len(evs)).
				Dur("next_retry", next).
				Msg("Failed to deliver journal events, will retry")
		}),
	}
	if maxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(maxTries))
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := s.sink.Send(ctx, evs); err != nil {
			metrics.JournalSendErrorsTotal.Add(ctx, 1)
			if store.Permanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)

	if err != nil && store.Permanent(err) {
		s.journal.markStatus(valid, RecordRejected)
		log.Error().
			Err(err).
			Str("run_id", s.journal.runID).
			Int("rejected", len(valid)).
			Msg("Journal events rejected by sink")
		return
	}

	if err != nil {
		s.journal.markStatus(valid, RecordFailed)
		log.Warn().
			Err(err).
			Str("run_id", s.journal.runID).
			Int("marked_failed", len(valid)).
			Int("attempts", attempts).
			Msg("Journal delivery abandoned")
		return
	}

	s.journal.markStatus(valid, RecordSent)
	metrics.JournalRecordsSentTotal.Add(ctx, int64(len(valid)))

	log.Debug().
		Str("run_id", s.journal.runID).
		Int("event_count", len(evs)).
		Int("attempts", attempts).
		Msg("Delivered journal events")
}

func (s *asyncSender) readRecords(recs []recordMeta) ([]*events.Event, []recordMeta) {
	evs := make([]*events.Event, 0, len(recs))
	valid := make([]recordMeta, 0, len(recs))

	for _, rec := range recs {
		ev, err := s.journal.readRecord(rec)
		if err != nil {
			log.Warn().
				Err(err).
				Str("run_id", s.journal.runID).
				Int64("sequence", rec.sequence).
				Msg("Failed to read journal record, skipping")
			continue
		}
		evs = append(evs, ev)
		valid = append(valid, rec)
	}

	return evs, valid
}

func (s *asyncSender) triggerFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *asyncSender) stop() {
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(stopTimeout):
		log.Warn().Str("run_id", s.journal.runID).Dur("timeout", stopTimeout).Msg("Journal sender did not stop in time")
	}
}
