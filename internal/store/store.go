// Package store records pipeline runs, their step results and their event
// streams.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/trigger"
)

// Sentinel errors for common error conditions
var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunExists     = errors.New("run already exists")
	ErrEventTooLarge = errors.New("event exceeds maximum size")
	ErrInvalidRun    = errors.New("invalid run")

	// ErrUnavailable marks failures that may succeed when retried.
	ErrUnavailable = errors.New("store temporarily unavailable")
)

// Permanent reports whether err can never succeed on retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrRunExists) ||
		errors.Is(err, ErrEventTooLarge) ||
		errors.Is(err, ErrInvalidRun)
}

// MaxEventBytes bounds the encoded size of a single stored event.
const MaxEventBytes = 4 * 1024 * 1024

// Status is the state of a run or a step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// OK reports whether the status counts as success for exit codes.
func (s Status) OK() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Status     Status        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Duration   time.Duration `json:"duration"`
}

// Run is a single pipeline execution.
type Run struct {
	ID         string        `json:"id"`
	ShortID    string        `json:"short_id"`
	Workflow   string        `json:"workflow"`
	Event      trigger.Event `json:"event"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Steps      []StepResult  `json:"steps"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// Step returns the named step result, or nil.
func (r *Run) Step(name string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Steps = append([]StepResult(nil), r.Steps...)
	return &out
}

// ListFilter narrows ListRuns. Zero fields match everything.
type ListFilter struct {
	Status     Status
	Workflow   string
	Repository string
	// Limit caps the result count, newest first. Defaults to DefaultListLimit.
	Limit int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// EffectiveLimit clamps Limit to (0, MaxListLimit].
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// RunStore persists runs and their events.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	// GetRun looks a run up by id or short id.
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error)

	// PublishEvents stores events for a run. Re-publishing a sequence that
	// is already stored is a no-op, so retried deliveries are safe.
	PublishEvents(ctx context.Context, runID string, events []*events.Event) error
	// ListEvents returns events with sequence >= fromSequence in order.
	ListEvents(ctx context.Context, runID string, fromSequence int64) ([]*events.Event, error)

	Start() error
	Stop() error
}

// ValidateRun checks the fields every store requires.
func ValidateRun(run *Run) error {
	if run == nil {
		return ErrInvalidRun
	}
	if run.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRun)
	}
	if run.Status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidRun)
	}
	return nil
}
