package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/executor"
	"github.com/wolfeidau/livepipe/internal/service"
	"github.com/wolfeidau/livepipe/internal/util"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

// ServiceSet is a group of ready services started outside a run.
type ServiceSet struct {
	Supervisor *service.Supervisor
	// Bindings are the resolved workflow and run step variables, which
	// carry the service URLs the tests rely on.
	Bindings map[string]string
}

// Stop stops every service in reverse start order.
func (s *ServiceSet) Stop(ctx context.Context) error {
	return s.Supervisor.StopAll(ctx)
}

// StartServices starts the service steps of wf in declared order, waiting
// for each to become ready before the next. On failure the services already
// started are stopped.
func StartServices(ctx context.Context, wf *workflow.Workflow, dir string, publisher events.Publisher) (*ServiceSet, error) {
	sup := service.NewSupervisor(executor.New(publisher), publisher)
	procEnv := util.EnvironMap()

	for _, st := range wf.Services() {
		env := util.MergeEnv(procEnv, wf.Environment(st, procEnv))

		d, err := sup.Start(ctx, st.Name, *st.Service, env, stepDir(dir, st))
		if err != nil {
			_ = sup.StopAll(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("failed to start %s: %w", st.Name, err)
		}

		if err := d.AwaitReady(ctx); err != nil {
			if stopErr := sup.StopAll(context.WithoutCancel(ctx)); stopErr != nil {
				log.Warn().Err(stopErr).Msg("Failed to stop services after readiness failure")
			}
			return nil, fmt.Errorf("%s: %w", st.Name, err)
		}
	}

	return &ServiceSet{
		Supervisor: sup,
		Bindings:   wf.Bindings(procEnv),
	}, nil
}
