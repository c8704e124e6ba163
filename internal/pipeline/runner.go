// Package pipeline runs a workflow for a trigger event: it records the run,
// journals its events and executes the steps strictly in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/checkout"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/executor"
	"github.com/wolfeidau/livepipe/internal/journal"
	"github.com/wolfeidau/livepipe/internal/service"
	"github.com/wolfeidau/livepipe/internal/store"
	"github.com/wolfeidau/livepipe/internal/telemetry"
	"github.com/wolfeidau/livepipe/internal/trigger"
	"github.com/wolfeidau/livepipe/internal/util"
	"github.com/wolfeidau/livepipe/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultFlushTimeout = 30 * time.Second
	defaultStopTimeout  = time.Minute
)

// Config wires a Runner to its workflow and storage.
type Config struct {
	Workflow *workflow.Workflow
	Store    store.RunStore
	Journal  *journal.Config
	Batching events.BatchingConfig

	// WorkspaceRoot holds per-run clone directories. Empty uses
	// checkout.DefaultRoot.
	WorkspaceRoot string

	// FlushTimeout bounds how long a finished run waits for its journal to
	// reach the store.
	FlushTimeout time.Duration
	// StopTimeout bounds service teardown at the end of a run.
	StopTimeout time.Duration

	// Observer, when set, sees every event after it is journaled.
	Observer func(*events.Event)
}

// Options tune a single run.
type Options struct {
	// Force skips trigger evaluation.
	Force bool
	// Workspace is the local directory used when the event carries no clone
	// URL. Defaults to the current directory.
	Workspace string
	// KeepWorkspace leaves cloned sources on disk after the run.
	KeepWorkspace bool
	// RunID overrides the generated run id. It must be a UUID.
	RunID string
}

// Runner executes workflow runs.
type Runner struct {
	cfg Config
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Workflow == nil {
		return nil, ErrNoWorkflow
	}
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.DefaultConfig()
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Runner{cfg: cfg}, nil
}

// NewRunID returns a time ordered UUIDv7 run id and its base58 short form.
func NewRunID() (string, string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate run id: %w", err)
	}
	return id.String(), ShortID(id), nil
}

// ShortID encodes the random tail of a UUIDv7 for display.
func ShortID(id uuid.UUID) string {
	return base58.Encode(id[8:])
}

// runState is the mutable state shared by the steps of one run.
type runState struct {
	run       *store.Run
	event     trigger.Event
	workspace string
	baseEnv   map[string]string
	publisher events.Publisher
	exec      *executor.Executor
	services  *service.Supervisor
	cloner    *checkout.Cloner
}

// Run executes the workflow for ev. Step failures and cancellation are
// reported through the returned run's status; the error is reserved for
// failures to record the run itself.
func (r *Runner) Run(ctx context.Context, ev trigger.Event, opts Options) (*store.Run, error) {
	wf := r.cfg.Workflow
	metrics := telemetry.GetMetrics()

	runID, shortID, err := r.runIDs(opts)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:        runID,
		ShortID:   shortID,
		Workflow:  wf.Name,
		Event:     ev,
		Status:    store.StatusPending,
		Steps:     make([]store.StepResult, 0, len(wf.Steps)),
		CreatedAt: now,
	}
	for i := range wf.Steps {
		run.Steps = append(run.Steps, store.StepResult{
			Name:   wf.Steps[i].Name,
			Kind:   wf.Steps[i].Kind().String(),
			Status: store.StatusPending,
		})
	}

	logger := log.With().Str("run_id", runID).Str("short_id", shortID).Logger()

	if !opts.Force {
		matched, reason := trigger.Match(wf.On, ev)
		if !matched {
			return r.skip(ctx, run, reason)
		}
		run.Reason = reason
		logger.Info().Str("reason", reason).Msg("Event matched workflow triggers")
	} else {
		run.Reason = "forced"
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("workflow", wf.Name),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.ref", ev.Ref),
	))
	defer span.End()

	workspace, err := localWorkspace(opts.Workspace)
	if err != nil {
		return nil, err
	}

	run.Status = store.StatusRunning
	run.StartedAt = time.Now().UTC()
	if err := r.cfg.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	jrnl, err := journal.Open(r.cfg.Journal, runID)
	if err != nil {
		return r.abort(ctx, run, fmt.Errorf("failed to open journal: %w", err))
	}

	// delivery outlives cancellation of the run so the tail still reaches
	// the store; Stop ends it.
	sink := journal.SinkFunc(func(ctx context.Context, evs []*events.Event) error {
		return r.cfg.Store.PublishEvents(ctx, runID, evs)
	})
	if err := jrnl.Start(context.WithoutCancel(ctx), sink); err != nil {
		_ = jrnl.Stop(ctx)
		return r.abort(ctx, run, fmt.Errorf("failed to start journal: %w", err))
	}

	batcher := events.NewBatcher(r.cfg.Batching, func(ev *events.Event) error {
		if err := jrnl.Append(context.Background(), ev); err != nil {
			return err
		}
		if r.cfg.Observer != nil {
			r.cfg.Observer(ev)
		}
		return nil
	})

	exec := executor.New(batcher)
	state := &runState{
		run:       run,
		event:     ev,
		workspace: workspace,
		publisher: batcher,
		exec:      exec,
		services:  service.NewSupervisor(exec, batcher),
	}
	state.baseEnv = builtinEnv(run, ev, workspace)

	r.publish(ctx, batcher, &events.Event{
		Type:   events.TypeRunStart,
		Status: string(store.StatusRunning),
		Attrs: map[string]string{
			"workflow":   wf.Name,
			"event":      string(ev.Kind),
			"ref":        ev.Ref,
			"sha":        ev.SHA,
			"short_id":   shortID,
			"reason":     run.Reason,
			"repository": ev.Repository,
		},
	})

	logger.Info().Str("workflow", wf.Name).Int("steps", len(wf.Steps)).Msg("Run started")

	r.executeSteps(ctx, state)

	r.finish(ctx, state, jrnl, batcher, opts)

	metrics.RunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(run.Status))))
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if run.Status != store.StatusSucceeded {
		span.SetStatus(codes.Error, string(run.Status))
	}

	logger.Info().
		Str("status", string(run.Status)).
		Dur("duration", run.FinishedAt.Sub(run.StartedAt)).
		Msg("Run finished")

	return run.Clone(), nil
}

func (r *Runner) runIDs(opts Options) (string, string, error) {
	if opts.RunID == "" {
		return NewRunID()
	}
	id, err := uuid.Parse(opts.RunID)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", checkout.ErrInvalidRunID, opts.RunID)
	}
	return id.String(), ShortID(id), nil
}

// executeSteps runs steps in order. After the first failure the remaining
// steps are skipped; cancellation marks the interrupted step cancelled.
func (r *Runner) executeSteps(ctx context.Context, state *runState) {
	wf := r.cfg.Workflow
	halted := store.Status("")

	for i := range wf.Steps {
		st := &wf.Steps[i]
		res := &state.run.Steps[i]

		if halted == "" && ctx.Err() != nil {
			halted = store.StatusCancelled
		}

		if halted != "" {
			res.Status = store.StatusSkipped
			r.publish(ctx, state.publisher, &events.Event{
				Type:    events.TypeStepEnd,
				Step:    st.Name,
				Status:  string(store.StatusSkipped),
				Message: fmt.Sprintf("skipped after run %s", halted),
			})
			continue
		}

		r.runStep(ctx, state, st, res)
		r.updateRun(ctx, state.run)

		switch res.Status {
		case store.StatusFailed:
			halted = store.StatusFailed
		case store.StatusCancelled:
			halted = store.StatusCancelled
		}
	}

	state.run.Status = runStatus(state.run.Steps, halted)
}

// runStatus is the logical AND of the step statuses.
func runStatus(steps []store.StepResult, halted store.Status) store.Status {
	if halted == store.StatusCancelled {
		return store.StatusCancelled
	}
	for _, st := range steps {
		if st.Status != store.StatusSucceeded {
			return store.StatusFailed
		}
	}
	return store.StatusSucceeded
}

func (r *Runner) runStep(ctx context.Context, state *runState, st *workflow.Step, res *store.StepResult) {
	metrics := telemetry.GetMetrics()

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step.name", st.Name),
		attribute.String("step.kind", st.Kind().String()),
	))
	defer span.End()

	res.Status = store.StatusRunning
	res.StartedAt = time.Now().UTC()

	r.publish(ctx, state.publisher, &events.Event{
		Type:   events.TypeStepStart,
		Step:   st.Name,
		Status: string(store.StatusRunning),
		Attrs:  map[string]string{"kind": st.Kind().String()},
	})

	log.Info().Str("run_id", state.run.ID).Str("step", st.Name).Str("kind", st.Kind().String()).Msg("Step started")

	exitCode, err := r.dispatchStep(ctx, state, st)

	res.FinishedAt = time.Now().UTC()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.ExitCode = exitCode

	switch {
	case err == nil:
		res.Status = store.StatusSucceeded
	case ctx.Err() != nil:
		res.Status = store.StatusCancelled
		res.Error = err.Error()
	default:
		res.Status = store.StatusFailed
		res.Error = err.Error()
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("step", st.Name),
		attribute.String("kind", st.Kind().String()),
		attribute.String("status", string(res.Status)),
	)
	metrics.StepDuration.Record(ctx, float64(res.Duration.Milliseconds()), attrs)
	if res.Status == store.StatusFailed {
		metrics.StepsFailedTotal.Add(ctx, 1, attrs)
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.String("step.status", string(res.Status)), attribute.Int("step.exit_code", res.ExitCode))

	r.publish(ctx, state.publisher, &events.Event{
		Type:     events.TypeStepEnd,
		Step:     st.Name,
		Status:   string(res.Status),
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		Message:  res.Error,
	})

	logger := log.With().
		Str("run_id", state.run.ID).
		Str("step", st.Name).
		Str("status", string(res.Status)).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Logger()
	if err != nil {
		logger.Error().Err(err).Msg("Step did not succeed")
		return
	}
	logger.Info().Msg("Step succeeded")
}

// finish tears down services, drains the journal and records the outcome.
func (r *Runner) finish(ctx context.Context, state *runState, jrnl journal.Journal, batcher *events.Batcher, opts Options) {
	cleanupCtx := context.WithoutCancel(ctx)

	stopCtx, cancel := context.WithTimeout(cleanupCtx, r.cfg.StopTimeout)
	if err := state.services.StopAll(stopCtx); err != nil {
		log.Warn().Err(err).Str("run_id", state.run.ID).Msg("Failed to stop services cleanly")
	}
	cancel()

	if state.cloner != nil && !opts.KeepWorkspace {
		if err := state.cloner.Cleanup(); err != nil {
			log.Warn().Err(err).Str("run_id", state.run.ID).Msg("Failed to remove workspace")
		}
	}

	state.run.FinishedAt = time.Now().UTC()

	r.publish(cleanupCtx, batcher, &events.Event{
		Type:     events.TypeRunEnd,
		Status:   string(state.run.Status),
		Duration: state.run.FinishedAt.Sub(state.run.StartedAt),
	})

	if err := batcher.Stop(); err != nil {
		log.Warn().Err(err).Str("run_id", state.run.ID).Msg("Failed to flush final output")
	}

	flushCtx, cancel := context.WithTimeout(cleanupCtx, r.cfg.FlushTimeout)
	if err := jrnl.Flush(flushCtx); err != nil {
		log.Warn().Err(err).Str("run_id", state.run.ID).Msg("Journal not fully delivered, events remain on disk")
	}
	cancel()

	if err := jrnl.Stop(cleanupCtx); err != nil {
		log.Warn().Err(err).Str("run_id", state.run.ID).Msg("Failed to stop journal")
	}

	if r.cfg.Journal.ArchiveOnComplete {
		if err := jrnl.Archive(cleanupCtx, ""); err != nil {
			var cleanupErr *journal.ArchiveCleanupError
			if errors.As(err, &cleanupErr) {
				log.Warn().Err(err).Str("archive_path", cleanupErr.ArchivePath).Msg("Journal archived but not removed")
			} else {
				log.Warn().Err(err).Str("run_id", state.run.ID).Msg("Failed to archive journal")
			}
		}
		if _, err := journal.CleanupArchive(r.cfg.Journal.ArchiveDir, r.cfg.Journal.RetentionDays); err != nil {
			log.Warn().Err(err).Msg("Failed to clean up old archives")
		}
	}

	r.updateRun(cleanupCtx, state.run)
}

// skip records a run whose event did not match the triggers.
func (r *Runner) skip(ctx context.Context, run *store.Run, reason string) (*store.Run, error) {
	now := time.Now().UTC()
	run.Status = store.StatusSkipped
	run.Reason = reason
	run.StartedAt = now
	run.FinishedAt = now
	for i := range run.Steps {
		run.Steps[i].Status = store.StatusSkipped
	}

	if err := r.cfg.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record skipped run: %w", err)
	}

	telemetry.GetMetrics().RunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(run.Status))))

	log.Info().
		Str("run_id", run.ID).
		Str("event", string(run.Event.Kind)).
		Str("ref", run.Event.Ref).
		Str("reason", reason).
		Msg("Event did not match workflow triggers, run skipped")

	return run.Clone(), nil
}

// abort marks a run failed before any step ran.
func (r *Runner) abort(ctx context.Context, run *store.Run, cause error) (*store.Run, error) {
	run.Status = store.StatusFailed
	run.Reason = cause.Error()
	run.FinishedAt = time.Now().UTC()
	for i := range run.Steps {
		run.Steps[i].Status = store.StatusSkipped
	}
	r.updateRun(context.WithoutCancel(ctx), run)
	return run.Clone(), cause
}

func (r *Runner) updateRun(ctx context.Context, run *store.Run) {
	if err := r.cfg.Store.UpdateRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to update run record")
	}
}

func (r *Runner) publish(ctx context.Context, publisher events.Publisher, ev *events.Event) {
	if err := publisher.AddEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish run event")
	}
}

func localWorkspace(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}

// builtinEnv exposes run metadata to every step.
func builtinEnv(run *store.Run, ev trigger.Event, workspace string) map[string]string {
	return map[string]string{
		"CI":                  "true",
		"LIVEPIPE":            "true",
		"LIVEPIPE_RUN_ID":     run.ID,
		"LIVEPIPE_SHORT_ID":   run.ShortID,
		"LIVEPIPE_WORKFLOW":   run.Workflow,
		"LIVEPIPE_WORKSPACE":  workspace,
		"LIVEPIPE_EVENT":      string(ev.Kind),
		"LIVEPIPE_REF":        ev.Ref,
		"LIVEPIPE_SHA":        ev.SHA,
		"LIVEPIPE_REPOSITORY": ev.Repository,
	}
}

// stepEnv layers the built-in variables and then the workflow and step env
// over the process environment. console-stream replaces the child env
// rather than extending it, so the result must be complete.
func (r *Runner) stepEnv(state *runState, st *workflow.Step) map[string]string {
	base := util.MergeEnv(util.EnvironMap(), state.baseEnv)
	return util.MergeEnv(base, r.cfg.Workflow.Environment(st, base))
}
