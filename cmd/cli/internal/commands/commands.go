package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/livepipe/internal/store"
	"github.com/wolfeidau/livepipe/internal/telemetry"
	"github.com/wolfeidau/livepipe/internal/trigger"
)

var (
	ErrRunFailed    = errors.New("run did not succeed")
	ErrNotTriggered = errors.New("event does not trigger the workflow")
)

type Globals struct {
	Debug   bool
	Version string
}

// EventFlags describe the repository event a run is evaluated against.
type EventFlags struct {
	Event      string `help:"event kind (push, pull_request, dispatch)" default:"push" enum:"push,pull_request,dispatch" env:"LIVEPIPE_EVENT"`
	Ref        string `help:"git ref or branch name, e.g. refs/heads/master" required:"" env:"LIVEPIPE_REF"`
	Base       string `help:"base ref of a pull request" env:"LIVEPIPE_BASE_REF"`
	Action     string `help:"pull request action" default:"opened" env:"LIVEPIPE_ACTION"`
	SHA        string `help:"commit to check out" env:"LIVEPIPE_SHA"`
	Repository string `help:"repository full name, e.g. acme/signer" env:"LIVEPIPE_REPOSITORY"`
	CloneURL   string `help:"repository to clone, the local workspace is used when empty" env:"LIVEPIPE_CLONE_URL"`
}

func (e *EventFlags) TriggerEvent() trigger.Event {
	ev := trigger.Event{
		Kind:       trigger.Kind(e.Event),
		Ref:        e.Ref,
		SHA:        e.SHA,
		Repository: e.Repository,
		CloneURL:   e.CloneURL,
	}
	if ev.Kind == trigger.KindPullRequest {
		ev.BaseRef = e.Base
		ev.Action = e.Action
	}
	return ev
}

// setupTracing starts telemetry when enabled. The returned func flushes and
// shuts it down.
func setupTracing(ctx context.Context, enabled bool, version string, logger zerolog.Logger) func() {
	if !enabled {
		return func() {}
	}

	logger.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.Init(ctx, "livepipe", version)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

func runError(status store.Status, shortID string) error {
	return fmt.Errorf("%w: run %s %s", ErrRunFailed, shortID, status)
}
