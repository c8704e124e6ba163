//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/store"
	"github.com/wolfeidau/livepipe/internal/trigger"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*RunStore, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := NewPool(ctx, &PoolConfig{
		ConnString: fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
	})
	require.NoError(t, err)

	runStore, err := NewRunStore(ctx, pool, &RunStoreConfig{AutoMigrate: true, EventsTTLDays: 7})
	require.NoError(t, err)
	require.NoError(t, runStore.Start())

	cleanup := func() {
		_ = runStore.Stop()
		_ = container.Terminate(ctx)
	}

	return runStore, cleanup
}

func testRun(id string) *store.Run {
	return &store.Run{
		ID:       id,
		ShortID:  "s" + id,
		Workflow: "live-tests",
		Event: trigger.Event{
			Kind:       trigger.KindPush,
			Ref:        "refs/heads/feature/signing",
			SHA:        "0123456789abcdef0123456789abcdef01234567",
			Repository: "acme/signer",
		},
		Status:    store.StatusRunning,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		StartedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestIntegration_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	runStore, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	run := testRun("run-1")

	t.Run("create", func(t *testing.T) {
		require.NoError(t, runStore.CreateRun(ctx, run))
		require.ErrorIs(t, runStore.CreateRun(ctx, run), store.ErrRunExists)
	})

	t.Run("update", func(t *testing.T) {
		run.Status = store.StatusFailed
		run.FinishedAt = time.Now().UTC().Truncate(time.Microsecond)
		run.Steps = []store.StepResult{
			{Name: "install", Kind: "run", Status: store.StatusSucceeded},
			{Name: "live-tests", Kind: "run", Status: store.StatusFailed, ExitCode: 1, Error: "step failed"},
		}
		require.NoError(t, runStore.UpdateRun(ctx, run))

		got, err := runStore.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, got.Status)
		assert.Equal(t, "feature/signing", got.Event.Branch())
		require.Len(t, got.Steps, 2)
		assert.Equal(t, 1, got.Steps[1].ExitCode)
		assert.True(t, run.FinishedAt.Equal(got.FinishedAt))
	})

	t.Run("lookup by short id", func(t *testing.T) {
		got, err := runStore.GetRun(ctx, "srun-1")
		require.NoError(t, err)
		assert.Equal(t, "run-1", got.ID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := runStore.GetRun(ctx, "missing")
		require.ErrorIs(t, err, store.ErrRunNotFound)
		require.ErrorIs(t, runStore.UpdateRun(ctx, testRun("missing")), store.ErrRunNotFound)
	})

	t.Run("list", func(t *testing.T) {
		second := testRun("run-2")
		second.CreatedAt = run.CreatedAt.Add(time.Second)
		require.NoError(t, runStore.CreateRun(ctx, second))

		runs, err := runStore.ListRuns(ctx, store.ListFilter{})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-2", runs[0].ID)

		runs, err = runStore.ListRuns(ctx, store.ListFilter{Status: store.StatusFailed})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-1", runs[0].ID)
	})
}

func TestIntegration_Events(t *testing.T) {
	ctx := context.Background()
	runStore, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	require.NoError(t, runStore.CreateRun(ctx, testRun("run-1")))

	batch := []*events.Event{
		{Sequence: 1, Type: events.TypeRunStart},
		{Sequence: 2, Type: events.TypeOutputBatch, Batch: &events.OutputBatch{
			Outputs:       []events.OutputItem{{Source: "install", Output: []byte("ok\x00\n"), StreamType: events.StreamStdout}},
			StartSequence: 2,
			EndSequence:   2,
		}},
	}
	require.NoError(t, runStore.PublishEvents(ctx, "run-1", batch))

	// redelivery is idempotent
	require.NoError(t, runStore.PublishEvents(ctx, "run-1", append(batch, &events.Event{Sequence: 3, Type: events.TypeRunEnd})))

	evs, err := runStore.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, []byte("ok\x00\n"), evs[1].Batch.Outputs[0].Output)

	evs, err = runStore.ListEvents(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	err = runStore.PublishEvents(ctx, "missing", []*events.Event{{Sequence: 1, Type: events.TypeRunStart}})
	require.ErrorIs(t, err, store.ErrRunNotFound)

	_, err = runStore.ListEvents(ctx, "missing", 0)
	require.ErrorIs(t, err, store.ErrRunNotFound)

	n, err := runStore.PurgeExpiredEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
