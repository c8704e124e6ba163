package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/store"
)

const timeFormat = "15:04:05"

// printEvent writes a human readable line for ev. Output batches are written
// verbatim.
func printEvent(w io.Writer, ev *events.Event) {
	ts := ev.Timestamp.Local().Format(timeFormat)

	switch ev.Type {
	case events.TypeOutputBatch:
		if ev.Batch == nil {
			return
		}
		for _, item := range ev.Batch.Outputs {
			_, _ = w.Write(item.Output)
		}

	case events.TypeRunStart:
		fmt.Fprintf(w, "[%s] 🚀 Run %s started (%s %s)\n",
			ts, ev.Attrs["short_id"], ev.Attrs["event"], ev.Attrs["ref"])

	case events.TypeRunEnd:
		fmt.Fprintf(w, "[%s] %s Run %s in %v\n",
			ts, statusIcon(ev.Status), ev.Status, ev.Duration.Round(time.Millisecond))

	case events.TypeStepStart:
		fmt.Fprintf(w, "[%s] ▶ %s (%s)\n", ts, ev.Step, ev.Attrs["kind"])

	case events.TypeStepEnd:
		line := fmt.Sprintf("[%s] %s %s %s", ts, statusIcon(ev.Status), ev.Step, ev.Status)
		if ev.Status != string(store.StatusSkipped) {
			line += fmt.Sprintf(" (exit %d, %v)", ev.ExitCode, ev.Duration.Round(time.Millisecond))
		}
		if ev.Message != "" {
			line += ": " + ev.Message
		}
		fmt.Fprintln(w, line)

	case events.TypeServiceStart:
		fmt.Fprintf(w, "[%s] ⚙ Service %s started (PID: %d)\n", ts, ev.Step, ev.PID)

	case events.TypeServiceReady:
		fmt.Fprintf(w, "[%s] 💓 Service %s ready after %v\n", ts, ev.Step, ev.Duration.Round(time.Millisecond))

	case events.TypeServiceExit:
		fmt.Fprintf(w, "[%s] ⏹ Service %s %s (exit %d)\n", ts, ev.Step, ev.Status, ev.ExitCode)

	case events.TypeCheckoutStart:
		fmt.Fprintf(w, "[%s] 📦 Cloning %s\n", ts, ev.Attrs["repository"])

	case events.TypeCheckoutEnd:
		fmt.Fprintf(w, "[%s] 📦 Checked out %s in %v\n", ts, ev.Attrs["sha"], ev.Duration.Round(time.Millisecond))

	case events.TypeCheckoutError:
		fmt.Fprintf(w, "[%s] ❌ checkout failed: %s\n", ts, ev.Message)

	default:
		fmt.Fprintf(w, "[%s] ❓ Unknown event type: %s (Sequence: %d)\n", ts, ev.Type, ev.Sequence)
	}
}

func statusIcon(status string) string {
	switch store.Status(status) {
	case store.StatusSucceeded:
		return "✅"
	case store.StatusFailed:
		return "❌"
	case store.StatusCancelled:
		return "🛑"
	case store.StatusSkipped:
		return "⏭"
	default:
		return "•"
	}
}

// printRunSummary writes the per-step outcome of run.
func printRunSummary(w io.Writer, run *store.Run) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run %s (%s) %s", run.ShortID, run.ID, run.Status)
	if run.Reason != "" {
		fmt.Fprintf(w, ": %s", run.Reason)
	}
	fmt.Fprintln(w)

	if len(run.Steps) == 0 {
		return
	}

	fmt.Fprintf(w, "%-24s %-10s %-10s %6s %12s\n", "Step", "Kind", "Status", "Exit", "Duration")
	fmt.Fprintln(w, strings.Repeat("─", 66))
	for _, st := range run.Steps {
		fmt.Fprintf(w, "%-24s %-10s %-10s %6d %12v\n",
			truncate(st.Name, 24), st.Kind, st.Status, st.ExitCode, st.Duration.Round(time.Millisecond))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// consolePublisher prints events and output as they happen.
type consolePublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *consolePublisher) AddEvent(_ context.Context, ev *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	printEvent(p.w, ev)
	return nil
}

func (p *consolePublisher) AddOutput(_ context.Context, _ string, output []byte, _ events.StreamType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(output)
	return err
}

type playbackTimer struct {
	firstEventTime    time.Time
	referenceWallTime time.Time
	initialized       bool
}

func (pt *playbackTimer) wait(eventTime time.Time) {
	if !pt.initialized {
		pt.firstEventTime = eventTime
		pt.referenceWallTime = time.Now()
		pt.initialized = true
		return
	}

	elapsedEvent := eventTime.Sub(pt.firstEventTime)
	elapsedWall := time.Since(pt.referenceWallTime)

	// sleep while playback is ahead of the recording
	if elapsedEvent > elapsedWall {
		time.Sleep(elapsedEvent - elapsedWall)
	}
}
