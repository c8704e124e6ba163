// Package trigger decides whether a repository event starts a workflow.
package trigger

import "strings"

// Kind is the type of event that may trigger a run.
type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
	KindDispatch    Kind = "dispatch"
	KindPing        Kind = "ping"
)

const (
	branchPrefix = "refs/heads/"
	tagPrefix    = "refs/tags/"
)

// Event is a normalised push, pull request or dispatch event.
type Event struct {
	Kind       Kind   `json:"kind"`
	Ref        string `json:"ref,omitempty"`
	BaseRef    string `json:"base_ref,omitempty"`
	Action     string `json:"action,omitempty"`
	SHA        string `json:"sha,omitempty"`
	Repository string `json:"repository,omitempty"`
	CloneURL   string `json:"clone_url,omitempty"`
	Sender     string `json:"sender,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Branch returns the branch name of Ref, or "" when Ref is not a branch.
// A bare name without the refs/ prefix is treated as a branch.
func (e Event) Branch() string {
	return branchName(e.Ref)
}

// Tag returns the tag name of Ref, or "" when Ref is not a tag.
func (e Event) Tag() string {
	name, ok := strings.CutPrefix(e.Ref, tagPrefix)
	if !ok {
		return ""
	}
	return name
}

// BaseBranch returns the branch name of BaseRef.
func (e Event) BaseBranch() string {
	return branchName(e.BaseRef)
}

func branchName(ref string) string {
	if name, ok := strings.CutPrefix(ref, branchPrefix); ok {
		return name
	}
	if strings.HasPrefix(ref, "refs/") {
		return ""
	}
	return ref
}
