package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/util"
)

type outputRecorder struct {
	mu      sync.Mutex
	sources []string
	buf     bytes.Buffer
}

func (r *outputRecorder) AddEvent(context.Context, *events.Event) error { return nil }

func (r *outputRecorder) AddOutput(_ context.Context, source string, output []byte, _ events.StreamType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
	r.buf.Write(output)
	return nil
}

func (r *outputRecorder) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func baseEnv(extra map[string]string) map[string]string {
	return util.MergeEnv(util.EnvironMap(), extra)
}

func TestExecuteSuccess(t *testing.T) {
	rec := &outputRecorder{}
	exec := New(rec)

	res, err := exec.Execute(context.Background(), Command{
		Source: "greet",
		Script: `echo "$GREETING from livepipe"`,
		Env:    baseEnv(map[string]string{"GREETING": "hello"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	require.Eventually(t, func() bool {
		return strings.Contains(rec.output(), "hello from livepipe")
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.sources, "greet")
}

func TestExecuteFailure(t *testing.T) {
	exec := New(nil)

	res, err := exec.Execute(context.Background(), Command{
		Source: "broken",
		Script: "exit 3",
		Env:    baseEnv(nil),
	})
	require.ErrorIs(t, err, ErrStepFailed)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecuteErrexit(t *testing.T) {
	dir := t.TempDir()
	exec := New(nil)

	_, err := exec.Execute(context.Background(), Command{
		Source: "errexit",
		Script: "false\ntouch reached",
		Dir:    dir,
		Env:    baseEnv(nil),
	})
	require.ErrorIs(t, err, ErrStepFailed)
	assert.NoFileExists(t, filepath.Join(dir, "reached"))
}

func TestExecuteWorkingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "with space")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	exec := New(nil)
	_, err := exec.Execute(context.Background(), Command{
		Source: "pwd",
		Script: "pwd > where.txt",
		Dir:    dir,
		Env:    baseEnv(nil),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "where.txt"))
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExecuteTimeout(t *testing.T) {
	exec := New(nil)

	start := time.Now()
	_, err := exec.Execute(context.Background(), Command{
		Source:  "slow",
		Script:  "sleep 10",
		Env:     baseEnv(nil),
		Timeout: 200 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrStepTimeout)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestExecuteCancelled(t *testing.T) {
	exec := New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := exec.Execute(ctx, Command{
		Source: "slow",
		Script: "sleep 10",
		Env:    baseEnv(nil),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStepTimeout)
}

func TestExecuteEmptyScript(t *testing.T) {
	_, err := New(nil).Execute(context.Background(), Command{Source: "empty", Script: "  \n"})
	require.ErrorIs(t, err, ErrEmptyScript)
}

func TestExecuteOnStart(t *testing.T) {
	var pid int
	res, err := New(nil).Execute(context.Background(), Command{
		Source:  "pid",
		Script:  "true",
		Env:     baseEnv(nil),
		OnStart: func(p int) { pid = p },
	})
	require.NoError(t, err)
	assert.Positive(t, pid)
	assert.Equal(t, pid, res.PID)
}

func TestShellArgs(t *testing.T) {
	shell, args := shellArgs(Command{Script: "make test", Dir: "/work/it's here"})
	assert.Equal(t, "bash", shell)
	assert.Equal(t, []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", "cd '/work/it'\\''s here' || exit 1\nmake test"}, args)

	shell, args = shellArgs(Command{Shell: "sh", Script: "daemon --port 9000", Exec: true})
	assert.Equal(t, "sh", shell)
	assert.Equal(t, []string{"-e", "-c", "exec daemon --port 9000"}, args)

	shell, args = shellArgs(Command{Shell: "python3", Script: "print(1)"})
	assert.Equal(t, "python3", shell)
	assert.Equal(t, []string{"-c", "print(1)"}, args)
}

func TestExecLast(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"single line", "daemon --port 9000\n", "exec daemon --port 9000"},
		{"setup lines run first", "export A=1\ncd srv\ndaemon --port 9000\n", "export A=1\ncd srv\nexec daemon --port 9000"},
		{"continued command", "prepare\n  daemon \\\n  --port 9000\n\n", "prepare\nexec daemon \\\n  --port 9000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, execLast(tt.script))
		})
	}
}

func TestExecuteExecRunsEveryLine(t *testing.T) {
	rec := &outputRecorder{}

	_, err := New(rec).Execute(context.Background(), Command{
		Source: "daemon",
		Script: "echo first\necho second",
		Env:    baseEnv(nil),
		Exec:   true,
	})
	require.NoError(t, err)
	assert.Contains(t, rec.output(), "first")
	assert.Contains(t, rec.output(), "second")
}
