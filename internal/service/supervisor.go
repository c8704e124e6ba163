// Package service supervises background daemons that steps start and later
// steps depend on.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/executor"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

// Supervisor starts daemons and tears them down in reverse start order.
type Supervisor struct {
	exec      *executor.Executor
	publisher events.Publisher

	mu      sync.Mutex
	daemons []*Daemon
	stopped bool
}

func NewSupervisor(exec *executor.Executor, publisher events.Publisher) *Supervisor {
	return &Supervisor{
		exec:      exec,
		publisher: publisher,
	}
}

// Start launches svc in the background. The daemon outlives ctx; it runs
// until Stop or StopAll.
func (s *Supervisor) Start(ctx context.Context, name string, svc workflow.Service, env map[string]string, dir string) (*Daemon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrSupervisorStopped
	}

	if svc.StartTimeout <= 0 {
		svc.StartTimeout = workflow.DefaultStartTimeout
	}
	if svc.StopTimeout <= 0 {
		svc.StopTimeout = workflow.DefaultStopTimeout
	}
	if svc.Ready.Interval <= 0 {
		svc.Ready.Interval = workflow.DefaultProbeBackoff
	}
	if svc.Ready.Timeout <= 0 {
		svc.Ready.Timeout = workflow.DefaultProbeTimeout
	}

	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d := &Daemon{
		Name:      name,
		svc:       svc,
		env:       env,
		publisher: s.publisher,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	go d.run(dctx, s.exec, dir)

	s.daemons = append(s.daemons, d)

	log.Info().Str("service", name).Str("dir", dir).Msg("Service starting")

	return d, nil
}

// Daemons returns the started daemons in start order.
func (s *Supervisor) Daemons() []*Daemon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Daemon(nil), s.daemons...)
}

// StopAll stops every daemon, most recently started first. Later calls are
// no-ops and Start is rejected afterwards.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	daemons := s.daemons
	s.daemons = nil
	s.stopped = true
	s.mu.Unlock()

	var errs []error
	for i := len(daemons) - 1; i >= 0; i-- {
		if err := daemons[i].Stop(ctx); err != nil {
			log.Error().Err(err).Str("service", daemons[i].Name).Msg("Failed to stop service")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
