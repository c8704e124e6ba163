package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wolfeidau/livepipe/internal/client"
	"github.com/wolfeidau/livepipe/internal/flags"
	"github.com/wolfeidau/livepipe/internal/store"
)

type HistoryCmd struct {
	Server     string        `help:"read from a livepipe server instead of the store" env:"LIVEPIPE_SERVER"`
	Status     string        `help:"filter by run status (pending, running, succeeded, failed, cancelled, skipped)"`
	Workflow   string        `help:"filter by workflow name"`
	Repository string        `help:"filter by repository"`
	Limit      int           `help:"maximum number of runs" default:"20"`
	Timeout    time.Duration `help:"request timeout" default:"30s"`

	flags.StoreFlags `embed:""`
}

func (h *HistoryCmd) Run(ctx context.Context, globals *Globals) error {
	filter := store.ListFilter{
		Status:     store.Status(h.Status),
		Workflow:   h.Workflow,
		Repository: h.Repository,
		Limit:      h.Limit,
	}

	var (
		runs []*store.Run
		err  error
	)

	switch {
	case h.Server != "":
		c, cerr := client.New(client.Config{
			ServerURL: h.Server,
			Timeout:   h.Timeout,
			RetryMax:  client.DefaultConfig().RetryMax,
			Debug:     globals.Debug,
		})
		if cerr != nil {
			return cerr
		}
		runs, err = c.ListRuns(ctx, filter)

	case h.Store == flags.StorePostgres:
		runStore, closeStore, oerr := h.Open(ctx)
		if oerr != nil {
			return oerr
		}
		defer closeStore()
		runs, err = runStore.ListRuns(ctx, filter)

	default:
		return errors.New("history needs --server or --store=postgres, the memory store does not outlive a run")
	}
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	printRuns(os.Stdout, runs)
	return nil
}

func printRuns(w io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}

	fmt.Fprintf(w, "%-12s %-10s %-14s %-28s %-25s %-20s %10s\n",
		"Run", "Status", "Event", "Ref", "Repository", "Created At", "Duration")
	fmt.Fprintln(w, strings.Repeat("─", 125))

	for _, run := range runs {
		duration := "-"
		if !run.FinishedAt.IsZero() && !run.StartedAt.IsZero() {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}

		fmt.Fprintf(w, "%-12s %-10s %-14s %-28s %-25s %-20s %10s\n",
			truncate(run.ShortID, 12),
			run.Status,
			run.Event.Kind,
			truncate(run.Event.Ref, 28),
			truncate(run.Event.Repository, 25),
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			duration)
	}

	fmt.Fprintf(w, "\nTotal runs: %d\n", len(runs))
}
