package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/livepipe/internal/store"
)

func TestMapPostgresError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		wantIs error
		want   string
	}{
		{
			name:   "no rows",
			err:    pgx.ErrNoRows,
			wantIs: store.ErrRunNotFound,
		},
		{
			name:   "duplicate run",
			err:    &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: constraintRunsPKey},
			wantIs: store.ErrRunExists,
		},
		{
			name:   "event for unknown run",
			err:    fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: constraintEventsRunFKey}),
			wantIs: store.ErrRunNotFound,
		},
		{
			name:   "bad status",
			err:    &pgconn.PgError{Code: pgerrcode.CheckViolation, ConstraintName: "runs_status_check"},
			wantIs: store.ErrInvalidRun,
		},
		{
			name:   "too large",
			err:    &pgconn.PgError{Code: pgerrcode.ProgramLimitExceeded, Message: "row too big"},
			wantIs: store.ErrEventTooLarge,
		},
		{
			name:   "serialization",
			err:    &pgconn.PgError{Code: pgerrcode.SerializationFailure, Message: "could not serialize"},
			wantIs: store.ErrUnavailable,
			want:   "[40001] could not serialize",
		},
		{
			name:   "connection",
			err:    &pgconn.PgError{Code: pgerrcode.CannotConnectNow},
			wantIs: store.ErrUnavailable,
		},
		{
			name:   "too many connections",
			err:    &pgconn.PgError{Code: pgerrcode.TooManyConnections},
			wantIs: store.ErrUnavailable,
		},
		{
			name: "other unique violation",
			err:  &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "run_events_pkey", Message: "duplicate key"},
			want: "duplicate key (constraint run_events_pkey)",
		},
		{
			name: "unknown",
			err:  &pgconn.PgError{Code: "XX000", Message: "boom"},
			want: "postgres error [XX000]: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapPostgresError(tt.err)
			require.Error(t, got)
			if tt.wantIs != nil {
				assert.ErrorIs(t, got, tt.wantIs)
			}
			if tt.want != "" {
				assert.Contains(t, got.Error(), tt.want)
			}
		})
	}
}

func TestMapPostgresErrorPassThrough(t *testing.T) {
	assert.NoError(t, mapPostgresError(nil))

	plain := errors.New("plain")
	assert.Same(t, plain, mapPostgresError(plain))
}
