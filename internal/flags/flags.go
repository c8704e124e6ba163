// Package flags holds the kong flag groups shared by the livepipe and
// livepipe-server commands.
package flags

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/journal"
	"github.com/wolfeidau/livepipe/internal/store"
	memorystore "github.com/wolfeidau/livepipe/internal/store/memory"
	postgresstore "github.com/wolfeidau/livepipe/internal/store/postgres"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// StoreFlags selects the run store.
type StoreFlags struct {
	Store    string        `help:"run store (memory or postgres)" default:"memory" enum:"memory,postgres" env:"LIVEPIPE_STORE"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

type PostgresFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Store Configuration
	EventsTTLDays int32 `help:"TTL in days for run events, 0 keeps them forever" default:"30" env:"LIVEPIPE_POSTGRES_EVENTS_TTL_DAYS"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"LIVEPIPE_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if s.EventsTTLDays < 0 {
		return errors.New("events TTL must not be negative")
	}
	return nil
}

// Open creates and starts the selected store. The returned close func stops
// the store and releases its connections.
func (s *StoreFlags) Open(ctx context.Context) (store.RunStore, func(), error) {
	switch s.Store {
	case StorePostgres:
		return s.openPostgres(ctx)
	case StoreMemory, "":
		runStore := memorystore.NewRunStore()
		if err := runStore.Start(); err != nil {
			return nil, nil, err
		}
		log.Debug().Msg("Using in-memory run store")
		return runStore, func() { _ = runStore.Stop() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", s.Store)
	}
}

func (s *StoreFlags) openPostgres(ctx context.Context) (store.RunStore, func(), error) {
	if err := s.Postgres.Validate(); err != nil {
		return nil, nil, fmt.Errorf("failed to validate postgres flags: %w", err)
	}

	pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
		ConnString:      s.Postgres.ConnString,
		MaxConns:        s.Postgres.MaxConns,
		MinConns:        s.Postgres.MinConns,
		MaxConnLifetime: s.Postgres.MaxConnLifetime,
		MaxConnIdleTime: s.Postgres.MaxConnIdleTime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	runStore, err := postgresstore.NewRunStore(ctx, pool, &postgresstore.RunStoreConfig{
		AutoMigrate:   s.Postgres.AutoMigrate,
		EventsTTLDays: s.Postgres.EventsTTLDays,
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create run store: %w", err)
	}

	if err := runStore.Start(); err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info().Bool("auto_migrate", s.Postgres.AutoMigrate).Msg("Using PostgreSQL run store")

	return runStore, func() {
		if err := runStore.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop run store")
		}
		pool.Close()
	}, nil
}

// JournalFlags configures where run journals live and how they are kept.
type JournalFlags struct {
	Dir           string        `help:"directory for run journals (default ~/.livepipe/journal)" env:"LIVEPIPE_JOURNAL_DIR"`
	ArchiveDir    string        `help:"directory for archived journals (default ~/.livepipe/archive)" env:"LIVEPIPE_JOURNAL_ARCHIVE_DIR"`
	RetentionDays int           `help:"days to keep archived journals" default:"30" env:"LIVEPIPE_JOURNAL_RETENTION_DAYS"`
	FlushInterval time.Duration `help:"how often undelivered events are sent to the store" default:"100ms"`
	NoArchive     bool          `help:"leave finished journals in place instead of archiving them"`
}

// Config returns the journal configuration with defaults applied.
func (j *JournalFlags) Config() *journal.Config {
	cfg := &journal.Config{
		Dir:               j.Dir,
		ArchiveDir:        j.ArchiveDir,
		RetentionDays:     j.RetentionDays,
		FlushInterval:     j.FlushInterval,
		ArchiveOnComplete: !j.NoArchive,
	}
	cfg.ApplyDefaults()
	return cfg
}

// BatchFlags configures output batching.
type BatchFlags struct {
	FlushInterval    time.Duration `help:"flush interval for output batching" default:"2s" env:"LIVEPIPE_BATCH_FLUSH_INTERVAL"`
	MaxSize          int32         `help:"max batch size in output chunks" default:"50" env:"LIVEPIPE_BATCH_MAX_SIZE"`
	MaxBytes         int64         `help:"max batch size in bytes" default:"1048576" env:"LIVEPIPE_BATCH_MAX_BYTES"`
	PlaybackInterval int32         `help:"playback interval in milliseconds for log replay" default:"50"`
}

func (b *BatchFlags) Config() events.BatchingConfig {
	return events.BatchingConfig{
		FlushInterval:          b.FlushInterval,
		MaxBatchSize:           b.MaxSize,
		MaxBatchBytes:          b.MaxBytes,
		PlaybackIntervalMillis: b.PlaybackInterval,
	}
}
