package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/livepipe/internal/client"
	"github.com/wolfeidau/livepipe/internal/webhook"
)

type DispatchCmd struct {
	Ref        string        `arg:"" help:"branch or ref to run"`
	Server     string        `help:"Server URL" default:"http://localhost:8080" env:"LIVEPIPE_SERVER"`
	Token      string        `help:"JWT token for authentication" env:"LIVEPIPE_TOKEN"`
	SHA        string        `help:"commit to check out"`
	Repository string        `help:"repository full name"`
	CloneURL   string        `help:"repository to clone"`
	Follow     bool          `help:"print the run's events until it finishes"`
	Timeout    time.Duration `help:"request timeout" default:"30s"`
	RetryMax   int           `help:"retries for failed requests" default:"4"`
}

func (d *DispatchCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := client.New(client.Config{
		ServerURL: d.Server,
		Timeout:   d.Timeout,
		Token:     d.Token,
		RetryMax:  d.RetryMax,
		Debug:     globals.Debug,
	})
	if err != nil {
		return err
	}

	resp, err := c.Dispatch(ctx, webhook.DispatchRequest{
		Ref:        d.Ref,
		SHA:        d.SHA,
		Repository: d.Repository,
		CloneURL:   d.CloneURL,
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch run: %w", err)
	}

	fmt.Printf("Run %s %s (%s)\n", resp.ShortID, resp.Status, resp.RunID)

	if !d.Follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := streamFromServer(ctx, c, resp.RunID, 0, true, printTo(os.Stdout)); err != nil {
		return err
	}

	run, err := c.GetRun(ctx, resp.RunID)
	if err != nil {
		return err
	}
	if !run.Status.OK() {
		return runError(run.Status, run.ShortID)
	}
	return nil
}
