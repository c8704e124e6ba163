package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/livepipe/internal/client"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/flags"
	"github.com/wolfeidau/livepipe/internal/journal"
	"github.com/wolfeidau/livepipe/internal/store"
)

const followInterval = time.Second

type LogsCmd struct {
	RunID      string        `arg:"" help:"run id (short ids are accepted by servers and stores)"`
	Server     string        `help:"read from a livepipe server instead of local storage" env:"LIVEPIPE_SERVER"`
	ArchiveDir string        `help:"journal archive directory (default ~/.livepipe/archive)" env:"LIVEPIPE_JOURNAL_ARCHIVE_DIR"`
	From       int64         `help:"start from sequence number" default:"0"`
	Follow     bool          `help:"keep reading until the run finishes (server only)"`
	Playback   bool          `help:"replay events at original speed based on timestamps"`
	Timeout    time.Duration `help:"request timeout" default:"30s"`
	CacheDir   string        `help:"directory for cached responses of finished runs" env:"LIVEPIPE_CACHE_DIR"`

	flags.StoreFlags `embed:""`
}

func (l *LogsCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var timer *playbackTimer
	if l.Playback {
		timer = &playbackTimer{}
	}
	out := func(ev *events.Event) {
		if timer != nil {
			timer.wait(ev.Timestamp)
		}
		printEvent(os.Stdout, ev)
	}

	switch {
	case l.Server != "":
		c, err := client.New(client.Config{
			ServerURL: l.Server,
			Timeout:   l.Timeout,
			RetryMax:  client.DefaultConfig().RetryMax,
			CacheDir:  l.CacheDir,
			Debug:     globals.Debug,
		})
		if err != nil {
			return err
		}
		return streamFromServer(ctx, c, l.RunID, l.From, l.Follow, out)

	case l.Store == flags.StorePostgres:
		runStore, closeStore, err := l.Open(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		return replayFromStore(ctx, runStore, l.RunID, l.From, out)

	default:
		if l.Follow {
			return errors.New("--follow needs --server")
		}
		return replayArchive(l.archiveDir(), l.RunID, l.From, out)
	}
}

func (l *LogsCmd) archiveDir() string {
	jf := flags.JournalFlags{ArchiveDir: l.ArchiveDir}
	return jf.Config().ArchiveDir
}

// replayArchive prints the events of a finished local run.
func replayArchive(dir, runID string, from int64, out func(*events.Event)) error {
	evs, err := journal.ReadArchive(journal.ArchivePath(dir, runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: no archive for %s in %s", store.ErrRunNotFound, runID, dir)
		}
		return err
	}

	for _, ev := range evs {
		if ev.Sequence >= from {
			out(ev)
		}
	}
	return nil
}

type eventReader interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListEvents(ctx context.Context, runID string, fromSequence int64) ([]*events.Event, error)
}

func replayFromStore(ctx context.Context, r eventReader, runID string, from int64, out func(*events.Event)) error {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	evs, err := r.ListEvents(ctx, run.ID, from)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		out(ev)
	}
	return nil
}

// streamFromServer prints the run's events, polling for more while the run
// is still in progress when follow is set.
func streamFromServer(ctx context.Context, c *client.Client, runID string, from int64, follow bool, out func(*events.Event)) error {
	for {
		resp, err := c.ListEvents(ctx, runID, from)
		switch {
		case follow && errors.Is(err, store.ErrRunNotFound):
			// queued runs are recorded once the worker picks them up
			if err := sleepCtx(ctx, followInterval); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		for _, ev := range resp.Events {
			out(ev)
		}
		from = resp.Next

		if !follow {
			return nil
		}

		run, err := c.GetRun(ctx, resp.RunID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			// drain what was published between the two reads
			resp, err := c.ListEvents(ctx, run.ID, from)
			if err != nil {
				return err
			}
			for _, ev := range resp.Events {
				out(ev)
			}
			return nil
		}

		if err := sleepCtx(ctx, followInterval); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func printTo(w io.Writer) func(*events.Event) {
	return func(ev *events.Event) { printEvent(w, ev) }
}
