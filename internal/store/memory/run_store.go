// Package memory provides an in-memory RunStore for tests and single-shot
// CLI runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/store"
)

// RunStore implements store.RunStore using in-memory storage
type RunStore struct {
	mu sync.RWMutex

	runs   map[string]*store.Run
	order  []string                            // run IDs in creation order
	events map[string]map[int64]*events.Event // run ID -> sequence -> event
}

var _ store.RunStore = (*RunStore)(nil)

// NewRunStore creates an empty store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[string]*store.Run),
		events: make(map[string]map[int64]*events.Event),
	}
}

func (s *RunStore) Start() error { return nil }

func (s *RunStore) Stop() error { return nil }

func (s *RunStore) CreateRun(_ context.Context, run *store.Run) error {
	if err := store.ValidateRun(run); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrRunExists, run.ID)
	}

	s.runs[run.ID] = run.Clone()
	s.order = append(s.order, run.ID)
	s.events[run.ID] = make(map[int64]*events.Event)

	return nil
}

func (s *RunStore) UpdateRun(_ context.Context, run *store.Run) error {
	if err := store.ValidateRun(run); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, run.ID)
	}

	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *RunStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if run, ok := s.runs[id]; ok {
		return run.Clone(), nil
	}
	for _, run := range s.runs {
		if run.ShortID == id {
			return run.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
}

func (s *RunStore) ListRuns(_ context.Context, filter store.ListFilter) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.EffectiveLimit()
	out := make([]*store.Run, 0, min(limit, len(s.order)))

	// newest first
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		run := s.runs[s.order[i]]
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Repository != "" && run.Event.Repository != filter.Repository {
			continue
		}
		out = append(out, run.Clone())
	}

	return out, nil
}

func (s *RunStore) PublishEvents(_ context.Context, runID string, evs []*events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.events[runID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}

	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if len(data) > store.MaxEventBytes {
			return fmt.Errorf("%w: sequence %d is %d bytes", store.ErrEventTooLarge, ev.Sequence, len(data))
		}
		if _, dup := stored[ev.Sequence]; dup {
			continue
		}

		var cp events.Event
		if err := json.Unmarshal(data, &cp); err != nil {
			return fmt.Errorf("failed to copy event: %w", err)
		}
		stored[ev.Sequence] = &cp
	}

	return nil
}

func (s *RunStore) ListEvents(_ context.Context, runID string, fromSequence int64) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.events[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}

	out := make([]*events.Event, 0, len(stored))
	for seq, ev := range stored {
		if seq >= fromSequence {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})

	return out, nil
}
