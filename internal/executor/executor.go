// Package executor runs shell scripts through console-stream and forwards
// their output to an event publisher.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	consolestream "github.com/wolfeidau/console-stream"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/util"
)

const defaultFlushInterval = 250 * time.Millisecond

// Command describes one script invocation.
type Command struct {
	// Source tags published output, usually the step or service name.
	Source  string
	Shell   string
	Script  string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// Exec replaces the shell with the last command of the script so signals
	// reach it directly. Earlier lines run as usual. Used for service daemons.
	Exec bool
	// OnStart is called with the shell PID once the process is running.
	OnStart func(pid int)
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	PID      int
	Duration time.Duration
}

type Option func(*Executor)

// WithFlushInterval sets how often console-stream emits buffered output.
func WithFlushInterval(d time.Duration) Option {
	return func(e *Executor) {
		e.flushInterval = d
	}
}

// WithPTY runs processes under a pseudo terminal instead of pipes.
func WithPTY() Option {
	return func(e *Executor) {
		e.pty = true
	}
}

type Executor struct {
	publisher     events.Publisher
	flushInterval time.Duration
	pty           bool
}

func New(publisher events.Publisher, opts ...Option) *Executor {
	e := &Executor{
		publisher:     publisher,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs cmd to completion. A non-zero exit returns the result along
// with an error wrapping ErrStepFailed; an elapsed timeout wraps
// ErrStepTimeout.
func (e *Executor) Execute(ctx context.Context, cmd Command) (Result, error) {
	if strings.TrimSpace(cmd.Script) == "" {
		return Result{}, fmt.Errorf("%s: %w", cmd.Source, ErrEmptyScript)
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	shell, args := shellArgs(cmd)

	opts := []consolestream.ProcessOption{
		consolestream.WithEnvMap(cmd.Env),
		consolestream.WithFlushInterval(e.flushInterval),
	}
	if e.pty {
		opts = append(opts, consolestream.WithPTYMode())
	} else {
		opts = append(opts, consolestream.WithPipeMode())
	}

	log.Debug().Str("source", cmd.Source).Str("shell", shell).Str("dir", cmd.Dir).Msg("Starting process")

	process := consolestream.NewProcess(shell, args, opts...)

	var res Result
	for event, err := range process.ExecuteAndStream(runCtx) {
		if err != nil {
			if cerr := contextError(ctx, runCtx, cmd); cerr != nil {
				return res, cerr
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				return res, fmt.Errorf("%w: %s exited with code %d", ErrStepFailed, cmd.Source, res.ExitCode)
			}
			log.Error().Err(err).Str("source", cmd.Source).Msg("Process execution failed")
			return res, fmt.Errorf("failed to execute %s: %w", cmd.Source, err)
		}

		switch ev := event.Event.(type) {
		case *consolestream.ProcessStart:
			res.PID = ev.PID
			if cmd.OnStart != nil {
				cmd.OnStart(ev.PID)
			}

		case *consolestream.OutputData:
			if e.publisher == nil {
				continue
			}
			if perr := e.publisher.AddOutput(ctx, cmd.Source, ev.Data, events.StreamStdout); perr != nil {
				log.Error().Err(perr).Str("source", cmd.Source).Msg("Failed to publish output")
			}

		case *consolestream.ProcessEnd:
			res.ExitCode = ev.ExitCode
			res.Duration = ev.Duration

			if cerr := contextError(ctx, runCtx, cmd); cerr != nil {
				return res, cerr
			}
			if ev.ExitCode != 0 {
				return res, fmt.Errorf("%w: %s exited with code %d", ErrStepFailed, cmd.Source, ev.ExitCode)
			}
			return res, nil

		default:
			log.Debug().Str("event", event.String()).Msg("Received unhandled event")
		}
	}

	if cerr := contextError(ctx, runCtx, cmd); cerr != nil {
		return res, cerr
	}

	return res, fmt.Errorf("%s: %w", cmd.Source, ErrNoExit)
}

// contextError reports why the run context ended, distinguishing the step's
// own timeout from cancellation of the parent.
func contextError(parent, run context.Context, cmd Command) error {
	if run.Err() == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(run.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrStepTimeout, cmd.Source, cmd.Timeout)
	}
	return fmt.Errorf("%s cancelled: %w", cmd.Source, parent.Err())
}

// execLast prefixes the final command of script with exec. A command that
// continues over several lines with trailing backslashes counts as one.
func execLast(script string) string {
	lines := strings.Split(strings.TrimRight(script, " \t\n"), "\n")

	start := len(lines) - 1
	for start > 0 && strings.HasSuffix(strings.TrimRight(lines[start-1], " \t"), "\\") {
		start--
	}

	lines[start] = "exec " + strings.TrimLeft(lines[start], " \t")
	return strings.Join(lines, "\n")
}

// shellArgs builds the interpreter invocation for cmd. bash runs with errexit
// and pipefail, without profile files.
func shellArgs(cmd Command) (string, []string) {
	script := cmd.Script
	if cmd.Exec {
		script = execLast(script)
	}
	if cmd.Dir != "" {
		script = "cd " + util.ShellQuote(cmd.Dir) + " || exit 1\n" + script
	}

	shell := cmd.Shell
	if shell == "" {
		shell = "bash"
	}

	switch shell {
	case "bash":
		return "bash", []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", script}
	case "sh":
		return "sh", []string{"-e", "-c", script}
	default:
		return shell, []string{"-c", script}
	}
}
