package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/livepipe/internal/logger"
	"github.com/wolfeidau/livepipe/internal/pipeline"
	"github.com/wolfeidau/livepipe/internal/util"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

type ServicesCmd struct {
	Workflow    string        `help:"workflow file, the built-in pipeline when empty" env:"LIVEPIPE_WORKFLOW"`
	Workspace   string        `help:"source directory the services run in" default:"."`
	StopTimeout time.Duration `help:"time allowed for services to stop" default:"30s"`
}

func (s *ServicesCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	wf, err := workflow.LoadOrDefault(s.Workflow)
	if err != nil {
		return err
	}
	if len(wf.Services()) == 0 {
		return fmt.Errorf("workflow %q declares no services", wf.Name)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	set, err := pipeline.StartServices(ctx, wf, s.Workspace, &consolePublisher{w: os.Stderr})
	if err != nil {
		return err
	}

	printBindings(os.Stdout, set.Bindings)
	log.Info().Int("services", len(wf.Services())).Msg("Services ready, press Ctrl+C to stop")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.StopTimeout)
	defer cancel()
	if err := set.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop services: %w", err)
	}

	log.Info().Msg("Services stopped")
	return nil
}

// printBindings writes the bindings as shell exports, which is how tests run
// outside livepipe find the services.
func printBindings(w io.Writer, bindings map[string]string) {
	for _, key := range util.SortedKeys(bindings) {
		fmt.Fprintf(w, "export %s=%s\n", key, util.ShellQuote(bindings[key]))
	}
}
