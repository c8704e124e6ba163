package trigger

import (
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

// Match reports whether event starts a run under triggers, with a short
// human readable reason either way.
func Match(triggers workflow.Triggers, event Event) (bool, string) {
	switch event.Kind {
	case KindPush:
		return matchPush(triggers.Push, event)
	case KindPullRequest:
		return matchPullRequest(triggers.PullRequest, event)
	case KindDispatch:
		if triggers.Dispatch {
			return true, "dispatch enabled"
		}
		return false, "dispatch not enabled"
	case KindPing:
		return false, "ping events never trigger"
	default:
		return false, fmt.Sprintf("unsupported event kind %q", event.Kind)
	}
}

func matchPush(t *workflow.PushTrigger, event Event) (bool, string) {
	if t == nil {
		return false, "push trigger not configured"
	}

	unfiltered := len(t.Branches) == 0 && len(t.BranchesIgnore) == 0 && len(t.Tags) == 0

	if tag := event.Tag(); tag != "" {
		if unfiltered {
			return true, fmt.Sprintf("tag %q (no filters)", tag)
		}
		if p, ok := firstMatch(t.Tags, tag); ok {
			return true, fmt.Sprintf("tag %q matches %q", tag, p)
		}
		return false, fmt.Sprintf("tag %q matches no tag pattern", tag)
	}

	branch := event.Branch()
	if branch == "" {
		return false, fmt.Sprintf("ref %q is not a branch or tag", event.Ref)
	}

	// only tag filters configured, branch pushes are excluded
	if len(t.Branches) == 0 && len(t.BranchesIgnore) == 0 && len(t.Tags) > 0 {
		return false, fmt.Sprintf("branch %q excluded, only tags are configured", branch)
	}

	if p, ok := firstMatch(t.BranchesIgnore, branch); ok {
		return false, fmt.Sprintf("branch %q ignored by %q", branch, p)
	}

	if len(t.Branches) == 0 {
		return true, fmt.Sprintf("branch %q (all branches)", branch)
	}

	if p, ok := firstMatch(t.Branches, branch); ok {
		return true, fmt.Sprintf("branch %q matches %q", branch, p)
	}

	return false, fmt.Sprintf("branch %q matches no branch pattern", branch)
}

func matchPullRequest(t *workflow.PullRequestTrigger, event Event) (bool, string) {
	if t == nil {
		return false, "pull_request trigger not configured"
	}

	action := event.Action
	if action == "" {
		action = "opened"
	}

	types := t.Types
	if len(types) == 0 {
		types = workflow.DefaultPullRequestTypes
	}
	if !slices.Contains(types, action) {
		return false, fmt.Sprintf("pull request action %q not in %v", action, types)
	}

	base := event.BaseBranch()
	if base == "" {
		return false, "pull request has no base branch"
	}

	if len(t.Branches) == 0 {
		return true, fmt.Sprintf("pull request into %q (all branches)", base)
	}

	if p, ok := firstMatch(t.Branches, base); ok {
		return true, fmt.Sprintf("pull request into %q matches %q", base, p)
	}

	return false, fmt.Sprintf("pull request base %q matches no branch pattern", base)
}

// firstMatch returns the first pattern matching name. Invalid patterns never
// match; workflows are validated before matching.
func firstMatch(patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		ok, err := doublestar.Match(p, name)
		if err == nil && ok {
			return p, true
		}
	}
	return "", false
}
