package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/livepipe/internal/trigger"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

type MatchCmd struct {
	EventFlags `embed:""`

	Workflow string `help:"workflow file, the built-in pipeline when empty" env:"LIVEPIPE_WORKFLOW"`
}

func (m *MatchCmd) Run(ctx context.Context) error {
	wf, err := workflow.LoadOrDefault(m.Workflow)
	if err != nil {
		return err
	}

	return matchEvent(os.Stdout, wf, m.TriggerEvent())
}

func matchEvent(w io.Writer, wf *workflow.Workflow, ev trigger.Event) error {
	matched, reason := trigger.Match(wf.On, ev)
	if !matched {
		fmt.Fprintf(w, "%s %s: not triggered (%s)\n", ev.Kind, ev.Ref, reason)
		return fmt.Errorf("%w: %s", ErrNotTriggered, reason)
	}

	fmt.Fprintf(w, "%s %s: triggers %s (%s)\n", ev.Kind, ev.Ref, wf.Name, reason)
	return nil
}
