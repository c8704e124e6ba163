package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/checkout"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/executor"
	"github.com/wolfeidau/livepipe/internal/trigger"
	"github.com/wolfeidau/livepipe/internal/util"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

const defaultCloneDepth = 1

// dispatchStep runs a step according to its kind and returns its exit code.
func (r *Runner) dispatchStep(ctx context.Context, state *runState, st *workflow.Step) (int, error) {
	switch st.Kind() {
	case workflow.KindAction:
		return r.runAction(ctx, state, st)
	case workflow.KindRun:
		res, err := state.exec.Execute(ctx, executor.Command{
			Source:  st.Name,
			Shell:   st.Shell,
			Script:  st.Run,
			Dir:     stepDir(state.workspace, st),
			Env:     r.stepEnv(state, st),
			Timeout: st.Timeout,
		})
		return res.ExitCode, err
	case workflow.KindService:
		d, err := state.services.Start(ctx, st.Name, *st.Service, r.stepEnv(state, st), stepDir(state.workspace, st))
		if err != nil {
			return 0, err
		}
		return 0, d.AwaitReady(ctx)
	default:
		return 0, fmt.Errorf("step %q has no runnable kind", st.Name)
	}
}

func (r *Runner) runAction(ctx context.Context, state *runState, st *workflow.Step) (int, error) {
	switch st.Uses {
	case workflow.ActionCheckout:
		return 0, r.checkout(ctx, state, st)
	case workflow.ActionSetupRuntime:
		return r.setupRuntime(ctx, state, st)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownAction, st.Uses)
	}
}

// checkout clones the event's repository into a per-run workspace, or keeps
// the local workspace when the event has no clone URL.
func (r *Runner) checkout(ctx context.Context, state *runState, st *workflow.Step) error {
	ev := state.event
	if ev.CloneURL == "" {
		log.Info().
			Str("run_id", state.run.ID).
			Str("workspace", state.workspace).
			Msg("No clone URL, using local workspace")
		r.publish(ctx, state.publisher, &events.Event{
			Type:  events.TypeCheckoutEnd,
			Step:  st.Name,
			Attrs: map[string]string{"dir": state.workspace, "source": "local"},
		})
		return nil
	}

	if state.cloner == nil {
		cloner, err := checkout.NewCloner(state.publisher, r.cfg.WorkspaceRoot, state.run.ID)
		if err != nil {
			return err
		}
		state.cloner = cloner
	}

	opts, err := checkoutOptions(st)
	if err != nil {
		return err
	}

	src := checkout.Source{URL: ev.CloneURL, SHA: ev.SHA}
	// pull request heads may live in a fork, check them out by SHA only
	if ev.Kind != trigger.KindPullRequest {
		src.Branch = ev.Branch()
		if src.Branch == "" {
			src.Branch = ev.Tag()
		}
	}

	res, err := state.cloner.Clone(ctx, src, opts)
	if err != nil {
		return err
	}

	state.workspace = res.Dir
	state.baseEnv["LIVEPIPE_WORKSPACE"] = res.Dir
	state.baseEnv["LIVEPIPE_SHA"] = res.SHA
	if state.run.Event.SHA == "" {
		state.run.Event.SHA = res.SHA
	}

	return nil
}

func checkoutOptions(st *workflow.Step) (checkout.Options, error) {
	opts := checkout.Options{
		Step:       st.Name,
		Depth:      defaultCloneDepth,
		Submodules: st.With["submodules"],
	}
	if v, ok := st.With["depth"]; ok {
		depth, err := strconv.Atoi(v)
		if err != nil || depth < 0 {
			return opts, fmt.Errorf("invalid checkout depth %q", v)
		}
		opts.Depth = depth
	}
	if v, ok := st.With["single_branch"]; ok {
		single, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid single_branch %q: %w", v, err)
		}
		opts.SingleBranch = single
	}
	return opts, nil
}

// setupRuntime checks that the pinned interpreter is on PATH and reports
// the expected version.
func (r *Runner) setupRuntime(ctx context.Context, state *runState, st *workflow.Step) (int, error) {
	rt := r.cfg.Workflow.Runtime
	interpreter := rt.Interpreter
	if v := st.With["interpreter"]; v != "" {
		interpreter = v
	}
	version := rt.Version
	if v := st.With["version"]; v != "" {
		version = v
	}
	if interpreter == "" {
		return 0, fmt.Errorf("%w: no interpreter configured", ErrRuntimeNotFound)
	}

	path, err := lookupInterpreter(interpreter, version)
	if err != nil {
		return 0, err
	}

	capture := &capturePublisher{Publisher: state.publisher, source: st.Name}
	res, err := executor.New(capture).Execute(ctx, executor.Command{
		Source:  st.Name,
		Script:  util.ShellQuote(path) + " --version 2>&1",
		Dir:     state.workspace,
		Env:     r.stepEnv(state, st),
		Timeout: st.Timeout,
	})
	if err != nil {
		return res.ExitCode, err
	}

	reported := strings.TrimSpace(capture.String())
	if version != "" && !versionMatches(reported, version) {
		return 1, fmt.Errorf("%w: want %s, %s reports %q", ErrRuntimeVersion, version, path, reported)
	}

	state.baseEnv["LIVEPIPE_INTERPRETER"] = path

	log.Info().
		Str("run_id", state.run.ID).
		Str("interpreter", path).
		Str("version", reported).
		Str("image", r.cfg.Workflow.Runtime.Image).
		Msg("Runtime ready")

	return 0, nil
}

// lookupInterpreter prefers a versioned binary such as python3.10 and falls
// back to the plain interpreter name.
func lookupInterpreter(interpreter, version string) (string, error) {
	candidates := interpreterCandidates(interpreter, version)
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrRuntimeNotFound, strings.Join(candidates, ", "))
}

func interpreterCandidates(interpreter, version string) []string {
	if version == "" || strings.ContainsRune(interpreter, filepath.Separator) {
		return []string{interpreter}
	}
	base := strings.TrimRight(interpreter, "0123456789.")
	return []string{base + version, interpreter}
}

// versionMatches reports whether output names version as a whole version
// component, so 3.10 matches "Python 3.10.12" but not "Python 3.100".
func versionMatches(output, version string) bool {
	re := regexp.MustCompile(`(^|[^0-9.])` + regexp.QuoteMeta(version) + `($|[^0-9])`)
	return re.MatchString(output)
}

func stepDir(workspace string, st *workflow.Step) string {
	if st.WorkingDirectory == "" {
		return workspace
	}
	if filepath.IsAbs(st.WorkingDirectory) {
		return st.WorkingDirectory
	}
	return filepath.Join(workspace, st.WorkingDirectory)
}

// capturePublisher records one source's output while forwarding everything.
type capturePublisher struct {
	events.Publisher
	source string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *capturePublisher) AddOutput(ctx context.Context, source string, output []byte, stream events.StreamType) error {
	if source == c.source {
		c.mu.Lock()
		c.buf.Write(output)
		c.mu.Unlock()
	}
	return c.Publisher.AddOutput(ctx, source, output, stream)
}

func (c *capturePublisher) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
