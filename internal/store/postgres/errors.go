package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/livepipe/internal/store"
)

const (
	constraintRunsPKey      = "runs_pkey"
	constraintEventsRunFKey = "run_events_run_id_fkey"
)

// mapPostgresError translates driver errors into store sentinels so callers
// never depend on pgx. Non-postgres errors pass through untouched.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrRunNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	if sentinel := constraintSentinel(pgErr); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, describe(pgErr))
	}

	if transient(pgErr.Code) {
		return fmt.Errorf("%w: [%s] %s", store.ErrUnavailable, pgErr.Code, pgErr.Message)
	}

	return fmt.Errorf("postgres error [%s]: %s: %w", pgErr.Code, describe(pgErr), err)
}

// constraintSentinel returns the store error for violations of the run
// schema, or nil when the error is not one of them.
func constraintSentinel(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == constraintRunsPKey:
		return store.ErrRunExists
	case pgErr.Code == pgerrcode.ForeignKeyViolation && pgErr.ConstraintName == constraintEventsRunFKey:
		return store.ErrRunNotFound
	case pgErr.Code == pgerrcode.CheckViolation:
		return store.ErrInvalidRun
	case pgErr.Code == pgerrcode.ProgramLimitExceeded:
		return store.ErrEventTooLarge
	}
	return nil
}

// transient reports whether retrying the same statement later can succeed.
func transient(code string) bool {
	return pgerrcode.IsConnectionException(code) ||
		pgerrcode.IsTransactionRollback(code) ||
		pgerrcode.IsInsufficientResources(code) ||
		pgerrcode.IsOperatorIntervention(code)
}

func describe(pgErr *pgconn.PgError) string {
	msg := pgErr.Message
	if pgErr.ConstraintName != "" {
		msg += " (constraint " + pgErr.ConstraintName + ")"
	}
	if pgErr.Detail != "" {
		msg += ": " + pgErr.Detail
	}
	return msg
}
