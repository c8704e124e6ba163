package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wolfeidau/livepipe/internal/workflow"
)

// Prober performs a single readiness check.
type Prober interface {
	Probe(ctx context.Context) error
	String() string
}

// NewProber builds the prober for p. Auth values are expanded against env.
func NewProber(p workflow.Probe, env map[string]string) (Prober, error) {
	switch {
	case p.HTTP != "":
		return newHTTPProber(p, env), nil
	case p.TCP != "":
		return &tcpProber{addr: p.TCP, timeout: p.Timeout}, nil
	default:
		return nil, fmt.Errorf("%w: no probe target", ErrProbeFailed)
	}
}

type httpProber struct {
	url          string
	expectStatus int
	auth         *workflow.ProbeAuth
	client       *http.Client
}

func newHTTPProber(p workflow.Probe, env map[string]string) *httpProber {
	hp := &httpProber{
		url:          p.HTTP,
		expectStatus: p.ExpectStatus,
		client:       &http.Client{Timeout: p.Timeout},
	}

	if p.Auth != nil {
		expand := func(s string) string {
			return os.Expand(s, func(k string) string { return env[k] })
		}
		hp.auth = &workflow.ProbeAuth{
			Type:     p.Auth.Type,
			Username: expand(p.Auth.Username),
			Password: expand(p.Auth.Password),
			Token:    expand(p.Auth.Token),
		}
	}

	return hp
}

func (hp *httpProber) String() string { return "http " + hp.url }

// Probe succeeds on any status below 500, or on exactly expectStatus when it
// is set.
func (hp *httpProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hp.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	if hp.auth != nil {
		switch hp.auth.Type {
		case workflow.AuthBasic:
			req.SetBasicAuth(hp.auth.Username, hp.auth.Password)
		case workflow.AuthBearer:
			req.Header.Set("Authorization", "Bearer "+hp.auth.Token)
		}
	}

	resp, err := hp.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if hp.expectStatus != 0 {
		if resp.StatusCode != hp.expectStatus {
			return fmt.Errorf("%w: status %d, want %d", ErrProbeFailed, resp.StatusCode, hp.expectStatus)
		}
		return nil
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrProbeFailed, resp.StatusCode)
	}

	return nil
}

type tcpProber struct {
	addr    string
	timeout time.Duration
}

func (tp *tcpProber) String() string { return "tcp " + tp.addr }

func (tp *tcpProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: tp.timeout}
	conn, err := d.DialContext(ctx, "tcp", tp.addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	return conn.Close()
}
