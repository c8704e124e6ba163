package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/executor"
	"github.com/wolfeidau/livepipe/internal/util"
	"github.com/wolfeidau/livepipe/internal/workflow"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *eventRecorder) AddEvent(_ context.Context, ev *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) AddOutput(context.Context, string, []byte, events.StreamType) error {
	return nil
}

func (r *eventRecorder) ofType(typ events.Type) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// closedPort returns a local address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newSupervisor(rec *eventRecorder) *Supervisor {
	return NewSupervisor(executor.New(rec), rec)
}

func TestDaemonReadyHTTP(t *testing.T) {
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// not ready for the first two probes
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	sup := newSupervisor(rec)

	d, err := sup.Start(ctx, "certomancer", workflow.Service{
		Run: "sleep 30",
		Ready: workflow.Probe{
			HTTP:     srv.URL + "/",
			Interval: 20 * time.Millisecond,
		},
		StartTimeout: 5 * time.Second,
		StopTimeout:  5 * time.Second,
	}, util.EnvironMap(), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, d.AwaitReady(ctx))
	assert.GreaterOrEqual(t, hits.Load(), int32(3))

	ready := rec.ofType(events.TypeServiceReady)
	require.Len(t, ready, 1)
	assert.Equal(t, "certomancer", ready[0].Step)
	assert.Equal(t, "http "+srv.URL+"/", ready[0].Attrs["probe"])

	require.NoError(t, sup.StopAll(ctx))

	exited, _ := d.Exited()
	assert.True(t, exited)

	exits := rec.ofType(events.TypeServiceExit)
	require.Len(t, exits, 1)
	assert.Equal(t, "stopped", exits[0].Status)
	assert.Len(t, rec.ofType(events.TypeServiceStart), 1)
}

func TestDaemonExitsBeforeReady(t *testing.T) {
	ctx := context.Background()
	sup := newSupervisor(&eventRecorder{})

	d, err := sup.Start(ctx, "csc-dummy", workflow.Service{
		Run:          "exit 4",
		Ready:        workflow.Probe{TCP: closedPort(t), Interval: 20 * time.Millisecond},
		StartTimeout: 30 * time.Second,
	}, util.EnvironMap(), "")
	require.NoError(t, err)

	start := time.Now()
	err = d.AwaitReady(ctx)
	require.ErrorIs(t, err, ErrServiceExited)
	assert.NotErrorIs(t, err, ErrServiceNotReady)
	assert.Less(t, time.Since(start), 10*time.Second, "exit must short circuit the start timeout")

	require.NoError(t, sup.StopAll(ctx))
}

func TestDaemonNotReadyBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	sup := newSupervisor(&eventRecorder{})
	defer func() { require.NoError(t, sup.StopAll(ctx)) }()

	d, err := sup.Start(ctx, "slow", workflow.Service{
		Run:          "sleep 30",
		Ready:        workflow.Probe{TCP: closedPort(t), Interval: 20 * time.Millisecond},
		StartTimeout: 500 * time.Millisecond,
		StopTimeout:  5 * time.Second,
	}, util.EnvironMap(), "")
	require.NoError(t, err)

	err = d.AwaitReady(ctx)
	require.ErrorIs(t, err, ErrServiceNotReady)
	require.ErrorIs(t, err, ErrProbeFailed)
}

func TestStopAllReverseOrder(t *testing.T) {
	ctx := context.Background()
	rec := &eventRecorder{}
	sup := newSupervisor(rec)

	for _, name := range []string{"first", "second"} {
		_, err := sup.Start(ctx, name, workflow.Service{
			Run:         "sleep 30",
			Ready:       workflow.Probe{TCP: "127.0.0.1:1"},
			StopTimeout: 5 * time.Second,
		}, util.EnvironMap(), "")
		require.NoError(t, err)
	}
	require.Len(t, sup.Daemons(), 2)

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.TypeServiceStart)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.StopAll(ctx))

	exits := rec.ofType(events.TypeServiceExit)
	require.Len(t, exits, 2)
	assert.Equal(t, "second", exits[0].Step)
	assert.Equal(t, "first", exits[1].Step)

	require.NoError(t, sup.StopAll(ctx), "StopAll is idempotent")
	assert.Empty(t, sup.Daemons())

	_, err := sup.Start(ctx, "late", workflow.Service{Run: "true"}, nil, "")
	require.ErrorIs(t, err, ErrSupervisorStopped)
}

func TestHTTPProber(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/basic":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "signer" || pass != "s3cr3t" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "/bearer":
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	env := map[string]string{"CSC_PASSWORD": "s3cr3t", "CSC_TOKEN": "tok-123"}

	tests := []struct {
		name    string
		probe   workflow.Probe
		wantErr bool
	}{
		{"not found is ready", workflow.Probe{HTTP: srv.URL + "/"}, false},
		{"server error", workflow.Probe{HTTP: srv.URL + "/broken"}, true},
		{"expect status mismatch", workflow.Probe{HTTP: srv.URL + "/", ExpectStatus: 200}, true},
		{"basic auth", workflow.Probe{
			HTTP:         srv.URL + "/basic",
			ExpectStatus: http.StatusNoContent,
			Auth:         &workflow.ProbeAuth{Type: workflow.AuthBasic, Username: "signer", Password: "${CSC_PASSWORD}"},
		}, false},
		{"basic auth wrong password", workflow.Probe{
			HTTP:         srv.URL + "/basic",
			ExpectStatus: http.StatusNoContent,
			Auth:         &workflow.ProbeAuth{Type: workflow.AuthBasic, Username: "signer", Password: "nope"},
		}, true},
		{"bearer auth", workflow.Probe{
			HTTP:         srv.URL + "/bearer",
			ExpectStatus: http.StatusOK,
			Auth:         &workflow.ProbeAuth{Type: workflow.AuthBearer, Token: "${CSC_TOKEN}"},
		}, false},
		{"refused", workflow.Probe{HTTP: "http://" + closedPort(t) + "/"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.probe.Timeout = time.Second
			p, err := NewProber(tt.probe, env)
			require.NoError(t, err)

			err = p.Probe(ctx)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrProbeFailed)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTCPProber(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	p, err := NewProber(workflow.Probe{TCP: l.Addr().String(), Timeout: time.Second}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Probe(context.Background()))

	p, err = NewProber(workflow.Probe{TCP: closedPort(t), Timeout: time.Second}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, p.Probe(context.Background()), ErrProbeFailed)

	_, err = NewProber(workflow.Probe{}, nil)
	require.Error(t, err)
}
