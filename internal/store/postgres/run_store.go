// Package postgres implements store.RunStore on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/store"
)

// RunStore implements the store.RunStore interface using PostgreSQL as the
// backend. Step results are kept as JSONB on the run row and events are
// inserted idempotently on (run_id, sequence).
type RunStore struct {
	pool *pgxpool.Pool
	cfg  *RunStoreConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ store.RunStore = (*RunStore)(nil)

// NewRunStore creates a run store on an existing pool, running migrations
// when AutoMigrate is set. The store owns the pool and closes it on Stop.
func NewRunStore(ctx context.Context, pool *pgxpool.Pool, cfg *RunStoreConfig) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg == nil {
		cfg = &RunStoreConfig{}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &RunStore{
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins background pool monitoring and event expiry.
func (s *RunStore) Start() error {
	log.Info().Msg("Starting PostgreSQL run store")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop()
	}()

	return nil
}

// Stop waits for background tasks and closes the pool.
func (s *RunStore) Stop() error {
	s.stopOnce.Do(func() {
		log.Info().Msg("Stopping PostgreSQL run store")
		close(s.stopCh)
		s.wg.Wait()
		s.pool.Close()
		log.Info().Msg("PostgreSQL run store stopped")
	})
	return nil
}

func (s *RunStore) maintenanceLoop() {
	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	purgeTicker := time.NewTicker(time.Duration(s.cfg.PurgeIntervalSeconds) * time.Second)
	defer purgeTicker.Stop()

	for {
		select {
		case <-statsTicker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Int64("acquire_duration_ns", stats.AcquireDuration().Nanoseconds()).
				Msg("Connection pool stats")
		case <-purgeTicker.C:
			if s.cfg.EventsTTLDays == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := s.PurgeExpiredEvents(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to purge expired events")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("Purged expired events")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *RunStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeoutSeconds <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeoutSeconds)*time.Second)
}

func (s *RunStore) CreateRun(ctx context.Context, run *store.Run) error {
	if err := store.ValidateRun(run); err != nil {
		return err
	}

	eventJSON, stepsJSON, err := marshalRun(run)
	if err != nil {
		return err
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, short_id, workflow, repository, status, reason,
		                  event, steps, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		run.ID,
		run.ShortID,
		run.Workflow,
		run.Event.Repository,
		string(run.Status),
		run.Reason,
		eventJSON,
		stepsJSON,
		createdAt(run),
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return mapPostgresError(err)
	}

	log.Debug().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("Created run")
	return nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run *store.Run) error {
	if err := store.ValidateRun(run); err != nil {
		return err
	}

	_, stepsJSON, err := marshalRun(run)
	if err != nil {
		return err
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, reason = $3, steps = $4, started_at = $5,
		    finished_at = $6, updated_at = now()
		WHERE run_id = $1
	`,
		run.ID,
		string(run.Status),
		run.Reason,
		stepsJSON,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, run.ID)
	}

	return nil
}

const runColumns = `run_id, short_id, workflow, status, reason, event, steps,
	created_at, started_at, finished_at`

func (s *RunStore) GetRun(ctx context.Context, id string) (*store.Run, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1 OR short_id = $1 LIMIT 1`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
		}
		return nil, err
	}

	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter store.ListFilter) ([]*store.Run, error) {
	var conditions []string
	var args []any

	addCondition := func(column string, value string) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if filter.Status != "" {
		addCondition("status", string(filter.Status))
	}
	if filter.Workflow != "" {
		addCondition("workflow", filter.Workflow)
	}
	if filter.Repository != "" {
		addCondition("repository", filter.Repository)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY created_at DESC, run_id DESC LIMIT $%d", len(args))

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	runs := make([]*store.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	log.Debug().
		Str("status", string(filter.Status)).
		Int("count", len(runs)).
		Msg("Listed runs")

	return runs, nil
}

// PublishEvents persists events in one batch. Duplicate sequences are
// ignored so retried journal deliveries are safe.
func (s *RunStore) PublishEvents(ctx context.Context, runID string, evs []*events.Event) error {
	if len(evs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	var ttl *time.Time
	if s.cfg.EventsTTLDays > 0 {
		t := now.AddDate(0, 0, int(s.cfg.EventsTTLDays))
		ttl = &t
	}

	batch := &pgx.Batch{}
	for _, ev := range evs {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if len(payload) > store.MaxEventBytes {
			return fmt.Errorf("%w: sequence %d is %d bytes", store.ErrEventTooLarge, ev.Sequence, len(payload))
		}

		batch.Queue(`
			INSERT INTO run_events (run_id, sequence, timestamp, event_type, event_payload, ttl)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (run_id, sequence) DO NOTHING
		`, runID, ev.Sequence, ev.Timestamp, string(ev.Type), payload, ttl)
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range evs {
		if _, err := results.Exec(); err != nil {
			return mapPostgresError(fmt.Errorf("failed to insert event %d: %w", i, err))
		}
	}

	log.Debug().
		Str("run_id", runID).
		Int("event_count", len(evs)).
		Msg("Published events")

	return nil
}

func (s *RunStore) ListEvents(ctx context.Context, runID string, fromSequence int64) ([]*events.Event, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
		return nil, mapPostgresError(err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_payload FROM run_events
		WHERE run_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
	`, runID, fromSequence)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	evs := make([]*events.Event, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, mapPostgresError(err)
		}

		var ev events.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		evs = append(evs, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return evs, nil
}

// PurgeExpiredEvents deletes events whose ttl has passed.
func (s *RunStore) PurgeExpiredEvents(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM run_events WHERE ttl IS NOT NULL AND ttl < now()`)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func marshalRun(run *store.Run) (string, string, error) {
	eventJSON, err := json.Marshal(run.Event)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal event: %w", err)
	}

	steps := run.Steps
	if steps == nil {
		steps = []store.StepResult{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal steps: %w", err)
	}

	return string(eventJSON), string(stepsJSON), nil
}

func scanRun(row pgx.Row) (*store.Run, error) {
	var (
		run                   store.Run
		status                string
		eventJSON, stepsJSON  []byte
		startedAt, finishedAt *time.Time
	)

	err := row.Scan(
		&run.ID,
		&run.ShortID,
		&run.Workflow,
		&status,
		&run.Reason,
		&eventJSON,
		&stepsJSON,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	run.Status = store.Status(status)
	if startedAt != nil {
		run.StartedAt = startedAt.UTC()
	}
	if finishedAt != nil {
		run.FinishedAt = finishedAt.UTC()
	}
	run.CreatedAt = run.CreatedAt.UTC()

	if err := json.Unmarshal(eventJSON, &run.Event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &run.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	return &run, nil
}

func createdAt(run *store.Run) time.Time {
	if run.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return run.CreatedAt
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
