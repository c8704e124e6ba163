package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/flags"
	"github.com/wolfeidau/livepipe/internal/logger"
	"github.com/wolfeidau/livepipe/internal/pipeline"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

type RunCmd struct {
	EventFlags `embed:""`

	Force         bool   `help:"run even when the event does not match the triggers"`
	Workflow      string `help:"workflow file, the built-in pipeline when empty" env:"LIVEPIPE_WORKFLOW"`
	Workspace     string `help:"local source directory used when no clone URL is given" default:"."`
	WorkspaceRoot string `help:"directory for per-run clones" env:"LIVEPIPE_WORKSPACE_ROOT"`
	KeepWorkspace bool   `help:"leave cloned sources on disk after the run"`
	Quiet         bool   `help:"do not print step output"`
	Tracing       bool   `help:"enable tracing" default:"false" env:"LIVEPIPE_TRACING"`

	flags.StoreFlags `embed:""`
	Journal          flags.JournalFlags `embed:"" prefix:"journal-"`
	Batch            flags.BatchFlags   `embed:"" prefix:"batch-"`
}

func (r *RunCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := setupTracing(ctx, r.Tracing, globals.Version, log)
	defer shutdown()

	wf, err := workflow.LoadOrDefault(r.Workflow)
	if err != nil {
		return err
	}

	runStore, closeStore, err := r.Open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var observer func(*events.Event)
	if !r.Quiet {
		observer = func(ev *events.Event) { printEvent(os.Stdout, ev) }
	}

	runner, err := pipeline.NewRunner(pipeline.Config{
		Workflow:      wf,
		Store:         runStore,
		Journal:       r.Journal.Config(),
		Batching:      r.Batch.Config(),
		WorkspaceRoot: r.WorkspaceRoot,
		Observer:      observer,
	})
	if err != nil {
		return err
	}

	run, err := runner.Run(ctx, r.TriggerEvent(), pipeline.Options{
		Force:         r.Force,
		Workspace:     r.Workspace,
		KeepWorkspace: r.KeepWorkspace,
	})
	if err != nil {
		return fmt.Errorf("failed to run pipeline: %w", err)
	}

	printRunSummary(os.Stdout, run)

	if !run.Status.OK() {
		return runError(run.Status, run.ShortID)
	}
	return nil
}
