// Package checkout prepares a run workspace by cloning the repository an
// event refers to. Each run gets an isolated directory under the workspace
// root which is removed on cleanup.
package checkout

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	consolestream "github.com/wolfeidau/console-stream"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/util"
)

const defaultStep = "checkout"

// Source identifies what to clone. SHA takes precedence over Branch when
// checking out.
type Source struct {
	URL    string
	Branch string
	SHA    string
}

// Options tune the clone.
type Options struct {
	// Step names the step in published events.
	Step         string
	Depth        int
	SingleBranch bool
	// Submodules is "", "recursive" or "shallow".
	Submodules string
}

// Result describes a completed checkout.
type Result struct {
	Dir      string
	SHA      string
	Duration time.Duration
}

// Cloner clones repositories into a per-run workspace.
type Cloner struct {
	publisher events.Publisher
	workspace string
}

// DefaultRoot returns $HOME/.livepipe/workspaces.
func DefaultRoot() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".livepipe", "workspaces"), nil
}

// NewCloner returns a cloner whose workspace is root/runID. An empty root
// uses DefaultRoot.
func NewCloner(publisher events.Publisher, root, runID string) (*Cloner, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}

	if root == "" {
		var err error
		root, err = DefaultRoot()
		if err != nil {
			return nil, err
		}
	}

	root = filepath.Clean(root)
	workspace := filepath.Join(root, runID)
	if !strings.HasPrefix(workspace, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: workspace escapes root", ErrInvalidRunID)
	}

	return &Cloner{
		publisher: publisher,
		workspace: workspace,
	}, nil
}

// Workspace returns the run's workspace directory.
func (c *Cloner) Workspace() string {
	return c.workspace
}

// Clone clones src into the workspace, checks out the requested ref and
// returns the checkout directory and HEAD SHA.
func (c *Cloner) Clone(ctx context.Context, src Source, opts Options) (Result, error) {
	start := time.Now()
	step := opts.Step
	if step == "" {
		step = defaultStep
	}

	if err := ValidateURL(src.URL); err != nil {
		return Result{}, fmt.Errorf("invalid repository URL: %w", err)
	}
	if err := ValidateRef(src.Branch); err != nil {
		return Result{}, fmt.Errorf("invalid branch name: %w", err)
	}
	if err := ValidateRef(src.SHA); err != nil {
		return Result{}, fmt.Errorf("invalid commit ref: %w", err)
	}

	if err := os.MkdirAll(c.workspace, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	c.publish(&events.Event{
		Type: events.TypeCheckoutStart,
		Step: step,
		Attrs: map[string]string{
			"repository": src.URL,
			"branch":     src.Branch,
			"sha":        src.SHA,
		},
	})

	dest := filepath.Join(c.workspace, RepoName(src.URL))

	if err := c.git(ctx, step, cloneArgs(src, opts, dest)...); err != nil {
		err = fmt.Errorf("%w: %w", ErrCloneFailed, err)
		c.publishError(step, err)
		return Result{}, err
	}

	sha, err := c.checkoutRef(ctx, step, dest, src, opts)
	if err != nil {
		c.publishError(step, err)
		return Result{}, err
	}

	res := Result{Dir: dest, SHA: sha, Duration: time.Since(start)}

	c.publish(&events.Event{
		Type:     events.TypeCheckoutEnd,
		Step:     step,
		Duration: res.Duration,
		Attrs: map[string]string{
			"sha": sha,
			"dir": dest,
		},
	})

	log.Info().
		Str("commit_sha", sha).
		Dur("duration", res.Duration).
		Str("dest", dest).
		Msg("Git clone completed")

	return res, nil
}

func cloneArgs(src Source, opts Options, dest string) []string {
	// --progress makes git report on stderr without a terminal
	args := []string{"clone", "--progress"}

	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	if opts.SingleBranch {
		args = append(args, "--single-branch")
	}
	switch opts.Submodules {
	case "recursive":
		args = append(args, "--recurse-submodules")
	case "shallow":
		args = append(args, "--recurse-submodules", "--shallow-submodules")
	}
	if src.Branch != "" {
		args = append(args, "--branch", src.Branch)
	}

	return append(args, "--", src.URL, dest)
}

// git runs a git subcommand with output streamed to the publisher. Hooks and
// global or system config are disabled.
func (c *Cloner) git(ctx context.Context, step string, args ...string) error {
	env := util.MergeEnv(util.EnvironMap(), map[string]string{
		"GIT_CONFIG_NOGLOBAL": "1",
		"GIT_CONFIG_NOSYSTEM": "1",
		"GIT_TERMINAL_PROMPT": "0",
	})

	process := consolestream.NewProcess("git", args,
		consolestream.WithPipeMode(),
		consolestream.WithFlushInterval(100*time.Millisecond),
		consolestream.WithEnvMap(env),
	)

	for event, err := range process.ExecuteAndStream(ctx) {
		if err != nil {
			return fmt.Errorf("git %s: %w", args[0], err)
		}

		switch e := event.Event.(type) {
		case *consolestream.OutputData:
			if c.publisher == nil {
				continue
			}
			if err := c.publisher.AddOutput(ctx, step, e.Data, events.StreamStderr); err != nil {
				log.Warn().Err(err).Msg("Failed to publish git output")
			}
		case *consolestream.ProcessEnd:
			if e.ExitCode != 0 {
				return fmt.Errorf("git %s exited with code %d", args[0], e.ExitCode)
			}
			return nil
		}
	}

	return nil
}

func (c *Cloner) checkoutRef(ctx context.Context, step, repoDir string, src Source, opts Options) (string, error) {
	switch {
	case src.SHA != "":
		if err := gitCheckout(ctx, repoDir, src.SHA); err != nil {
			if opts.Depth <= 0 {
				return "", err
			}
			// a shallow clone may not contain the commit, fetch it directly
			if ferr := c.git(ctx, step, "-C", repoDir, "fetch", "--depth", strconv.Itoa(opts.Depth), "origin", src.SHA); ferr != nil {
				return "", fmt.Errorf("%w: fetch %s: %w", ErrCheckoutFailed, src.SHA, ferr)
			}
			if err := gitCheckout(ctx, repoDir, src.SHA); err != nil {
				return "", err
			}
		}
	case src.Branch != "":
		if err := gitCheckout(ctx, repoDir, src.Branch); err != nil {
			return "", err
		}
	}

	return HeadSHA(ctx, repoDir)
}

func gitCheckout(ctx context.Context, repoDir, ref string) error {
	// #nosec G204 - ref validated by ValidateRef
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "checkout", "--quiet", ref)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrCheckoutFailed, ref, strings.TrimSpace(string(output)))
	}
	return nil
}

// HeadSHA returns the commit checked out in repoDir.
func HeadSHA(ctx context.Context, repoDir string) (string, error) {
	// #nosec G204 - fixed arguments
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD commit SHA: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Cleanup removes the run workspace.
func (c *Cloner) Cleanup() error {
	if c.workspace == "" {
		return nil
	}
	log.Info().Str("workspace", c.workspace).Msg("Cleaning up workspace directory")
	return os.RemoveAll(c.workspace)
}

func (c *Cloner) publish(ev *events.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.AddEvent(context.Background(), ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish checkout event")
	}
}

func (c *Cloner) publishError(step string, err error) {
	c.publish(&events.Event{
		Type:    events.TypeCheckoutError,
		Step:    step,
		Status:  "failed",
		Message: err.Error(),
	})
}

// RepoName derives a directory name from a repository URL.
func RepoName(repoURL string) string {
	repoURL = strings.TrimRight(repoURL, "/")

	if idx := strings.IndexAny(repoURL, "?#"); idx != -1 {
		repoURL = repoURL[:idx]
	}

	name := repoURL
	if idx := strings.LastIndex(repoURL, "/"); idx != -1 {
		name = repoURL[idx+1:]
	}
	name = strings.TrimSuffix(name, ".git")

	if name == "" || name == "." || name == ".." {
		return "repo"
	}

	return name
}
