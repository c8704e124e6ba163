package checkout

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/livepipe/internal/events"
)

type mockPublisher struct {
	mu      sync.Mutex
	events  []*events.Event
	outputs [][]byte
}

func (m *mockPublisher) AddEvent(_ context.Context, event *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) AddOutput(_ context.Context, _ string, output []byte, _ events.StreamType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = append(m.outputs, output)
	return nil
}

const validRunID = "0192f5c4-8e7a-7b3d-9c1e-2f4a6b8c0d1e"

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://github.com/MatthiasValvekens/pyHanko.git", false},
		{"https without suffix", "https://github.com/MatthiasValvekens/pyHanko", false},
		{"git protocol", "git://github.com/user/repo.git", false},
		{"http", "http://git.internal/repo.git", false},
		{"empty", "", true},
		{"scp style ssh", "git@github.com:user/repo.git", true},
		{"file", "file:///etc/passwd", true},
		{"command substitution", "https://github.com/user/$(whoami).git", true},
		{"backtick", "https://github.com/user/`id`.git", true},
		{"chained command", "https://github.com/user/repo.git; rm -rf /", true},
		{"upload pack", "https://github.com/user/repo.git--upload-pack=touch", true},
		{"pipe", "https://github.com/user/repo.git|cat", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidGitURL)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		wantErr bool
	}{
		{"empty", "", false},
		{"master", "master", false},
		{"feature branch", "feature/csc-lanes", false},
		{"release", "release/0.13.1", false},
		{"sha", "4f1c2a9d7e3b5a6c8d9e0f1a2b3c4d5e6f7a8b9c", false},
		{"option", "--upload-pack=x", true},
		{"leading dash", "-b", true},
		{"space", "feature branch", true},
		{"semicolon", "main;id", true},
		{"dollar", "$HOME", true},
		{"dot dot", "feature/../../etc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRef(tt.ref)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidGitRef)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateRunID(t *testing.T) {
	require.NoError(t, ValidateRunID(validRunID))

	for _, id := range []string{
		"",
		"../../etc/passwd",
		"/etc/passwd",
		"not-a-uuid",
		"0192f5c48e7a7b3d9c1e2f4a6b8c0d1e",
		"0192F5C4-8E7A-7B3D-9C1E-2F4A6B8C0D1E",
	} {
		require.ErrorIs(t, ValidateRunID(id), ErrInvalidRunID, id)
	}
}

func TestNewCloner(t *testing.T) {
	root := t.TempDir()

	cloner, err := NewCloner(&mockPublisher{}, root, validRunID)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, validRunID), cloner.Workspace())

	_, err = NewCloner(&mockPublisher{}, root, "../escape")
	require.ErrorIs(t, err, ErrInvalidRunID)
}

func TestNewClonerDefaultRoot(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cloner, err := NewCloner(nil, "", validRunID)
	require.NoError(t, err)
	require.Contains(t, cloner.Workspace(), filepath.Join(".livepipe", "workspaces", validRunID))
}

func TestRepoName(t *testing.T) {
	tests := map[string]string{
		"https://github.com/MatthiasValvekens/pyHanko.git": "pyHanko",
		"https://github.com/user/repo":                     "repo",
		"https://github.com/user/repo/":                    "repo",
		"https://github.com/user/repo.git?ref=main":        "repo",
		"https://gitlab.com/group/sub/project.git#frag":    "project",
		"https://host/..":                                  "repo",
		"":                                                 "repo",
	}

	for in, want := range tests {
		require.Equal(t, want, RepoName(in), in)
	}
}

func TestCloneArgs(t *testing.T) {
	args := cloneArgs(
		Source{URL: "https://github.com/user/repo.git", Branch: "master"},
		Options{Depth: 1, SingleBranch: true, Submodules: "shallow"},
		"/ws/repo",
	)
	require.Equal(t, []string{
		"clone", "--progress",
		"--depth", "1",
		"--single-branch",
		"--recurse-submodules", "--shallow-submodules",
		"--branch", "master",
		"--", "https://github.com/user/repo.git", "/ws/repo",
	}, args)
}

func TestCloneRejectsInvalidInput(t *testing.T) {
	root := t.TempDir()
	pub := &mockPublisher{}

	cloner, err := NewCloner(pub, root, validRunID)
	require.NoError(t, err)

	tests := []struct {
		name    string
		src     Source
		wantErr error
	}{
		{"bad url", Source{URL: "file:///etc"}, ErrInvalidGitURL},
		{"bad branch", Source{URL: "https://github.com/u/r.git", Branch: "-x"}, ErrInvalidGitRef},
		{"bad sha", Source{URL: "https://github.com/u/r.git", SHA: "abc;id"}, ErrInvalidGitRef},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cloner.Clone(context.Background(), tt.src, Options{})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	require.Empty(t, pub.events, "validation failures publish nothing")
	_, err = os.Stat(cloner.Workspace())
	require.True(t, os.IsNotExist(err), "workspace is not created for invalid input")
}

func TestCleanup(t *testing.T) {
	root := t.TempDir()
	cloner, err := NewCloner(nil, root, validRunID)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(cloner.Workspace(), "repo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cloner.Workspace(), "repo", "file.txt"), []byte("x"), 0o600))

	require.NoError(t, cloner.Cleanup())
	require.NoDirExists(t, cloner.Workspace())

	require.NoError(t, cloner.Cleanup(), "cleanup of a missing workspace succeeds")
	require.NoError(t, (&Cloner{}).Cleanup())
}
