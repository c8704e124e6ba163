// Package journal is a durable per-run event log. Events are appended to a
// checksummed file with fsync, delivered asynchronously to a sink with
// retries, and archived with zstd once the run completes.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/events"
)

var (
	ErrClosed         = errors.New("journal is closed")
	ErrAlreadyStarted = errors.New("journal already started")
	ErrNotStopped     = errors.New("journal must be stopped before archiving")
	ErrInvalidRunID   = errors.New("invalid run id for journal")
	ErrRecordTooLarge = errors.New("journal record too large")
)

// Journal persists run events and forwards them to a sink.
type Journal interface {
	// Append writes event to disk and fsyncs before returning.
	Append(ctx context.Context, event *events.Event) error

	// Start begins delivering records to sink in the background.
	Start(ctx context.Context, sink EventSink) error

	// Flush blocks until every record has been delivered.
	Flush(ctx context.Context) error

	// Stop ends delivery and closes the file.
	Stop(ctx context.Context) error

	// Archive compresses the stopped journal into archiveDir, or the
	// configured archive directory when empty.
	Archive(ctx context.Context, archiveDir string) error

	// Path is the journal file location.
	Path() string
}

// EventSink receives delivered events.
type EventSink interface {
	Send(ctx context.Context, events []*events.Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, events []*events.Event) error

func (f SinkFunc) Send(ctx context.Context, evs []*events.Event) error {
	return f(ctx, evs)
}

// Config configures journal storage and delivery.
type Config struct {
	Dir           string
	ArchiveDir    string
	RetentionDays int
	// FlushInterval is how often the sender looks for undelivered records.
	FlushInterval time.Duration
	RetryBackoff  BackoffConfig
	// ArchiveOnComplete archives the journal when a run finishes.
	ArchiveOnComplete bool
}

// BackoffConfig configures exponential retry of failed deliveries.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultConfig stores journals under $HOME/.livepipe.
func DefaultConfig() *Config {
	cfg := &Config{ArchiveOnComplete: true}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	homeDir, _ := os.UserHomeDir()
	if c.Dir == "" {
		c.Dir = filepath.Join(homeDir, ".livepipe", "journal")
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(homeDir, ".livepipe", "archive")
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.RetryBackoff.InitialInterval <= 0 {
		c.RetryBackoff.InitialInterval = time.Second
	}
	if c.RetryBackoff.MaxInterval <= 0 {
		c.RetryBackoff.MaxInterval = 60 * time.Second
	}
	if c.RetryBackoff.Multiplier <= 1 {
		c.RetryBackoff.Multiplier = 2.0
	}
}

// Path returns the journal file path for runID under dir.
func Path(dir, runID string) string {
	return filepath.Join(dir, runID+".wal")
}

type fileJournal struct {
	mu     sync.RWMutex
	cfg    *Config
	runID  string
	path   string
	file   *os.File
	index  *index
	sender *asyncSender

	nextSequence int64
}

// Open opens the journal for runID, creating it if needed. An existing file
// is scanned to rebuild the index; a corrupt tail is truncated.
func Open(cfg *Config, runID string) (Journal, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()

	if runID == "" || filepath.Base(runID) != runID || runID == "." || runID == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &fileJournal{
		cfg:          cfg,
		runID:        runID,
		path:         Path(cfg.Dir, runID),
		index:        newIndex(),
		nextSequence: 1,
	}

	if err := j.openOrCreate(); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	log.Debug().
		Str("run_id", runID).
		Str("journal_path", j.path).
		Int("records", j.index.count()).
		Msg("Journal opened")

	return j, nil
}

func (j *fileJournal) Path() string {
	return j.path
}

func (j *fileJournal) openOrCreate() error {
	exists := false
	if _, err := os.Stat(j.path); err == nil {
		exists = true
	}

	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	j.file = f

	if !exists {
		if _, err := f.Write(encodeHeader()); err != nil {
			f.Close()
			return fmt.Errorf("failed to write header: %w", err)
		}
		return nil
	}

	if err := j.loadIndex(); err != nil {
		f.Close()
		return fmt.Errorf("failed to load index: %w", err)
	}

	return nil
}

// loadIndex scans the file, indexing valid records and truncating at the
// first corrupt one.
func (j *fileJournal) loadIndex() error {
	info, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	size := info.Size()

	header := make([]byte, headerSize)
	if _, err := j.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return err
	}

	offset := int64(headerSize)
	var lenBuf [4]byte
	for offset < size {
		if _, err := j.file.ReadAt(lenBuf[:], offset); err != nil {
			j.truncateAt(offset, "failed to read record length")
			break
		}

		length := binary.LittleEndian.Uint32(lenBuf[:])
		if !validLength(length) || offset+int64(length) > size {
			j.truncateAt(offset, "invalid record length")
			break
		}

		body := make([]byte, length-4)
		if _, err := j.file.ReadAt(body, offset+4); err != nil {
			j.truncateAt(offset, "failed to read record data")
			break
		}

		meta, _, err := decodeBody(body)
		if err != nil {
			j.truncateAt(offset, err.Error())
			break
		}

		meta.offset = offset
		j.index.add(meta)

		if meta.sequence >= j.nextSequence {
			j.nextSequence = meta.sequence + 1
		}
		offset += int64(length)
	}

	log.Debug().
		Str("run_id", j.runID).
		Int("records", j.index.count()).
		Int("unsent", j.index.countUnsent()).
		Int64("next_sequence", j.nextSequence).
		Msg("Journal index loaded")

	return nil
}

func (j *fileJournal) truncateAt(offset int64, reason string) {
	log.Warn().
		Str("run_id", j.runID).
		Int64("offset", offset).
		Str("reason", reason).
		Msg("Corrupt journal tail, truncating")
	if err := j.file.Truncate(offset); err != nil {
		log.Warn().Err(err).Msg("Failed to truncate journal")
	}
}

func (j *fileJournal) Append(_ context.Context, event *events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return ErrClosed
	}

	sequence := event.Sequence
	if sequence == 0 {
		sequence = j.nextSequence
		event.Sequence = sequence
	}
	if sequence >= j.nextSequence {
		j.nextSequence = sequence + 1
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(payload)+recordOverhead > maxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}

	offset, err := j.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	record := encodeRecord(sequence, RecordPending, event.Timestamp, payload)
	if _, err := j.file.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	j.index.add(recordMeta{
		sequence:  sequence,
		offset:    offset,
		length:    int64(len(record)),
		status:    RecordPending,
		timestamp: event.Timestamp.UnixMilli(),
	})

	return nil
}

func (j *fileJournal) Start(ctx context.Context, sink EventSink) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return ErrClosed
	}
	if j.sender != nil {
		return ErrAlreadyStarted
	}

	j.sender = newAsyncSender(j, sink, j.cfg)
	go j.sender.sendLoop(ctx)

	log.Debug().Str("run_id", j.runID).Msg("Journal sender started")

	return nil
}

func (j *fileJournal) Flush(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		unsent := j.index.countUnsent()
		if unsent == 0 {
			log.Debug().
				Str("run_id", j.runID).
				Int("total_events", j.index.count()).
				Msg("All journal events delivered")
			return nil
		}

		j.mu.RLock()
		if j.sender != nil {
			j.sender.triggerFlush()
		}
		j.mu.RUnlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("flush cancelled: %d events still pending: %w", unsent, ctx.Err())
		}
	}
}

func (j *fileJournal) Stop(context.Context) error {
	j.mu.Lock()
	sender := j.sender
	j.sender = nil
	j.mu.Unlock()

	// the sender's final pass needs the file, stop it before closing
	if sender != nil {
		sender.stop()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		j.file = nil
	}

	log.Debug().
		Str("run_id", j.runID).
		Int("total_records", j.index.count()).
		Int("sent", j.index.countStatus(RecordSent)).
		Int("unsent", j.index.countUnsent()).
		Msg("Journal stopped")

	return nil
}

func (j *fileJournal) Archive(_ context.Context, archiveDir string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		return ErrNotStopped
	}

	if archiveDir == "" {
		archiveDir = j.cfg.ArchiveDir
	}

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	return archiveFile(j.path, archiveDir, j.runID)
}

func (j *fileJournal) readRecord(rec recordMeta) (*events.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.file == nil {
		return nil, ErrClosed
	}
	return readRecordAt(j.file, rec.offset)
}

// markStatus updates records in the index and rewrites their status bytes.
func (j *fileJournal) markStatus(recs []recordMeta, status uint8) {
	j.index.setStatus(recs, status)

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return
	}

	for _, rec := range recs {
		if _, err := j.file.WriteAt([]byte{status}, rec.offset+statusOffset); err != nil {
			log.Warn().Err(err).Int64("sequence", rec.sequence).Msg("Failed to persist record status")
			return
		}
	}
	if err := j.file.Sync(); err != nil {
		log.Warn().Err(err).Msg("Failed to fsync record status")
	}
}

// ReadFile replays a journal file without opening it for writing.
func ReadFile(path string) ([]*events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	return decodeStream(f)
}
