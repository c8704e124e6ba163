package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

func TestMatchDefaultWorkflow(t *testing.T) {
	triggers := workflow.Default().On

	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"push master", Event{Kind: KindPush, Ref: "refs/heads/master"}, true},
		{"push feature", Event{Kind: KindPush, Ref: "refs/heads/feature/csc-lanes"}, true},
		{"push bugfix", Event{Kind: KindPush, Ref: "refs/heads/bugfix/ocsp"}, true},
		{"push release", Event{Kind: KindPush, Ref: "refs/heads/release/0.13"}, true},
		{"push nested feature", Event{Kind: KindPush, Ref: "refs/heads/feature/a/b"}, false},
		{"push main", Event{Kind: KindPush, Ref: "refs/heads/main"}, false},
		{"push develop", Event{Kind: KindPush, Ref: "refs/heads/develop"}, false},
		{"push feature root", Event{Kind: KindPush, Ref: "refs/heads/feature"}, false},
		{"push tag", Event{Kind: KindPush, Ref: "refs/tags/v1.0.0"}, false},
		{"pr into master", Event{Kind: KindPullRequest, BaseRef: "refs/heads/master", Action: "opened"}, true},
		{"pr synchronize", Event{Kind: KindPullRequest, BaseRef: "refs/heads/master", Action: "synchronize"}, true},
		{"pr empty action", Event{Kind: KindPullRequest, BaseRef: "refs/heads/master"}, true},
		{"pr closed", Event{Kind: KindPullRequest, BaseRef: "refs/heads/master", Action: "closed"}, false},
		{"pr into release", Event{Kind: KindPullRequest, BaseRef: "refs/heads/release/1.0", Action: "opened"}, false},
		{"dispatch", Event{Kind: KindDispatch, Ref: "refs/heads/master"}, false},
		{"ping", Event{Kind: KindPing}, false},
		{"unknown", Event{Kind: "issue"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Match(triggers, tt.event)
			assert.Equal(t, tt.want, got, reason)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestMatchPushFilters(t *testing.T) {
	tests := []struct {
		name    string
		trigger *workflow.PushTrigger
		ref     string
		want    bool
	}{
		{"unfiltered branch", &workflow.PushTrigger{}, "refs/heads/anything", true},
		{"unfiltered tag", &workflow.PushTrigger{}, "refs/tags/v1", true},
		{"ignore wins", &workflow.PushTrigger{Branches: []string{"**"}, BranchesIgnore: []string{"wip/**"}}, "refs/heads/wip/x/y", false},
		{"ignore only", &workflow.PushTrigger{BranchesIgnore: []string{"docs/*"}}, "refs/heads/main", true},
		{"double star crosses slash", &workflow.PushTrigger{Branches: []string{"feature/**"}}, "refs/heads/feature/a/b", true},
		{"question mark", &workflow.PushTrigger{Branches: []string{"v?"}}, "refs/heads/v2", true},
		{"character class", &workflow.PushTrigger{Branches: []string{"release/[0-9]*"}}, "refs/heads/release/2024", true},
		{"character class miss", &workflow.PushTrigger{Branches: []string{"release/[0-9]*"}}, "refs/heads/release/next", false},
		{"tags only excludes branches", &workflow.PushTrigger{Tags: []string{"v*"}}, "refs/heads/main", false},
		{"tags only matches tag", &workflow.PushTrigger{Tags: []string{"v*"}}, "refs/tags/v1.2.3", true},
		{"bare branch name", &workflow.PushTrigger{Branches: []string{"master"}}, "master", true},
		{"other ref", &workflow.PushTrigger{}, "refs/pull/1/merge", false},
		{"not configured", nil, "refs/heads/master", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Match(workflow.Triggers{Push: tt.trigger}, Event{Kind: KindPush, Ref: tt.ref})
			assert.Equal(t, tt.want, got, reason)
		})
	}
}

func TestMatchDispatch(t *testing.T) {
	ok, _ := Match(workflow.Triggers{Dispatch: true}, Event{Kind: KindDispatch})
	assert.True(t, ok)
}

func TestEventRefs(t *testing.T) {
	ev := Event{Ref: "refs/tags/v1", BaseRef: "refs/heads/master"}
	assert.Equal(t, "v1", ev.Tag())
	assert.Empty(t, ev.Branch())
	assert.Equal(t, "master", ev.BaseBranch())
}

const pushBody = `{
  "ref": "refs/heads/feature/lanes",
  "after": "4f1c2a9d7e3b5a6c8d9e0f1a2b3c4d5e6f7a8b9c",
  "deleted": false,
  "repository": {"full_name": "MatthiasValvekens/pyHanko", "clone_url": "https://github.com/MatthiasValvekens/pyHanko.git"},
  "sender": {"login": "octocat"}
}`

const pullRequestBody = `{
  "action": "synchronize",
  "pull_request": {
    "head": {"ref": "bugfix/crl", "sha": "aa11bb22cc33dd44ee55ff6677889900aabbccdd"},
    "base": {"ref": "master"}
  },
  "repository": {"full_name": "MatthiasValvekens/pyHanko", "clone_url": "https://github.com/MatthiasValvekens/pyHanko.git"},
  "sender": {"login": "octocat"}
}`

func TestParseGitHub(t *testing.T) {
	ev, err := ParseGitHub("push", []byte(pushBody))
	require.NoError(t, err)
	assert.Equal(t, KindPush, ev.Kind)
	assert.Equal(t, "feature/lanes", ev.Branch())
	assert.Equal(t, "4f1c2a9d7e3b5a6c8d9e0f1a2b3c4d5e6f7a8b9c", ev.SHA)
	assert.Equal(t, "https://github.com/MatthiasValvekens/pyHanko.git", ev.CloneURL)
	assert.Equal(t, "octocat", ev.Sender)

	ev, err = ParseGitHub("pull_request", []byte(pullRequestBody))
	require.NoError(t, err)
	assert.Equal(t, KindPullRequest, ev.Kind)
	assert.Equal(t, "master", ev.BaseBranch())
	assert.Equal(t, "bugfix/crl", ev.Branch())
	assert.Equal(t, "synchronize", ev.Action)

	ok, _ := Match(workflow.Default().On, ev)
	assert.True(t, ok)

	ev, err = ParseGitHub("ping", []byte(`{"zen":"Keep it logically awesome."}`))
	require.NoError(t, err)
	assert.Equal(t, KindPing, ev.Kind)
}

func TestParseGitHubErrors(t *testing.T) {
	_, err := ParseGitHub("issues", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnsupportedEvent)

	_, err = ParseGitHub("push", []byte(`{not json`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseGitHub("push", []byte(`{}`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseGitHub("pull_request", []byte(`{"action":"opened"}`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseGitHub("push", []byte(`{"ref":"refs/heads/old","deleted":true,"after":"`+zeroSHA+`"}`))
	require.ErrorIs(t, err, ErrRefDeleted)
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cr3t")
	body := []byte(pushBody)

	header := SignatureHeader(secret, body)
	require.NoError(t, VerifySignature(secret, header, body))

	tests := []struct {
		name   string
		header string
		body   []byte
	}{
		{"tampered body", header, []byte(pushBody + " ")},
		{"wrong secret", SignatureHeader([]byte("other"), body), body},
		{"sha1", "sha1=abcdef", body},
		{"malformed", "garbage", body},
		{"bad hex", "sha256=zz", body},
		{"empty", "", body},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, VerifySignature(secret, tt.header, tt.body), ErrInvalidSignature)
		})
	}
}
