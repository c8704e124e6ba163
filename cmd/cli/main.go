package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/livepipe/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Run      commands.RunCmd      `cmd:"" help:"Run the pipeline for an event"`
		Match    commands.MatchCmd    `cmd:"" help:"Check whether an event triggers the pipeline"`
		Validate commands.ValidateCmd `cmd:"" help:"Validate a workflow and print its steps"`
		Services commands.ServicesCmd `cmd:"" help:"Start the workflow services and hold until interrupted"`
		Logs     commands.LogsCmd     `cmd:"" help:"Print the events of a run"`
		History  commands.HistoryCmd  `cmd:"" help:"List recent runs"`
		Token    commands.TokenCmd    `cmd:"" help:"Generate a dispatch JWT"`
		Dispatch commands.DispatchCmd `cmd:"" help:"Ask a server to run the pipeline"`
		Debug    bool                 `help:"Enable debug mode."`
		Version  kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("livepipe"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
