package flags

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	memorystore "github.com/wolfeidau/livepipe/internal/store/memory"
)

func TestOpenMemoryStore(t *testing.T) {
	sf := &StoreFlags{Store: StoreMemory}

	runStore, closeStore, err := sf.Open(context.Background())
	require.NoError(t, err)
	defer closeStore()

	require.IsType(t, &memorystore.RunStore{}, runStore)
}

func TestOpenPostgresRequiresConnString(t *testing.T) {
	sf := &StoreFlags{Store: StorePostgres}

	_, _, err := sf.Open(context.Background())
	require.ErrorContains(t, err, "connection string is required")
}

func TestOpenUnknownStore(t *testing.T) {
	sf := &StoreFlags{Store: "dynamodb"}

	_, _, err := sf.Open(context.Background())
	require.ErrorContains(t, err, "unknown store type")
}

func TestPostgresFlagsValidate(t *testing.T) {
	pf := &PostgresFlags{ConnString: "postgres://localhost/livepipe", EventsTTLDays: -1}
	require.Error(t, pf.Validate())

	pf.EventsTTLDays = 0
	require.NoError(t, pf.Validate())
}

func TestJournalConfig(t *testing.T) {
	jf := &JournalFlags{Dir: "/tmp/j", ArchiveDir: "/tmp/a", RetentionDays: 7}
	cfg := jf.Config()

	require.Equal(t, "/tmp/j", cfg.Dir)
	require.Equal(t, "/tmp/a", cfg.ArchiveDir)
	require.Equal(t, 7, cfg.RetentionDays)
	require.True(t, cfg.ArchiveOnComplete)
	require.Equal(t, 100*time.Millisecond, cfg.FlushInterval)
	require.Equal(t, time.Second, cfg.RetryBackoff.InitialInterval)

	jf.NoArchive = true
	require.False(t, jf.Config().ArchiveOnComplete)
}

func TestBatchConfig(t *testing.T) {
	bf := &BatchFlags{FlushInterval: time.Second, MaxSize: 10, MaxBytes: 2048, PlaybackInterval: 25}
	cfg := bf.Config()

	require.Equal(t, time.Second, cfg.FlushInterval)
	require.Equal(t, int32(10), cfg.MaxBatchSize)
	require.Equal(t, int64(2048), cfg.MaxBatchBytes)
	require.Equal(t, int32(25), cfg.PlaybackIntervalMillis)
}
