// Package client talks to the livepipe trigger server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/store"
	"github.com/wolfeidau/livepipe/internal/webhook"
)

var ErrNoToken = errors.New("dispatch requires a bearer token")

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 to store.ErrRunNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return store.ErrRunNotFound
	}
	return nil
}

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration
	// Token is sent as a bearer token on dispatch requests.
	Token    string
	RetryMax int
	// CacheDir persists cached responses. Empty caches in memory.
	CacheDir string
	Debug    bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
		RetryMax:  4,
	}
}

type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.ServerURL == "" {
		cfg.ServerURL = def.ServerURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.ServerURL)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = NewCachingHTTPClient(cfg.CacheDir)
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = &leveledLogger{debug: cfg.Debug}

	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		token:   cfg.Token,
		http:    rc,
	}, nil
}

// Dispatch asks the server for a forced run of ref.
func (c *Client) Dispatch(ctx context.Context, req webhook.DispatchRequest) (*webhook.Response, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch request: %w", err)
	}

	var resp webhook.Response
	if err := c.do(ctx, http.MethodPost, "/dispatch", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var run store.Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) ListRuns(ctx context.Context, filter store.ListFilter) ([]*store.Run, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Workflow != "" {
		q.Set("workflow", filter.Workflow)
	}
	if filter.Repository != "" {
		q.Set("repository", filter.Repository)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp webhook.ListRunsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// ListEvents returns the run's events with a sequence of at least from.
func (c *Client) ListEvents(ctx context.Context, id string, from int64) (*webhook.ListEventsResponse, error) {
	path := fmt.Sprintf("/runs/%s/events", url.PathEscape(id))
	if from > 0 {
		path += "?from=" + strconv.FormatInt(from, 10)
	}

	var resp webhook.ListEventsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var raw any
	if body != nil {
		raw = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}

	var errResp webhook.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
		return apiErr
	}

	// queue rejections carry a Response body
	var resp webhook.Response
	if json.Unmarshal(data, &resp) == nil && resp.Reason != "" {
		apiErr.Message = resp.Reason
	}
	return apiErr
}

// leveledLogger routes retryablehttp logging through zerolog.
type leveledLogger struct {
	debug bool
}

func (l *leveledLogger) Error(msg string, keysAndValues ...any) {
	log.Error().Fields(keysAndValues).Msg(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...any) {
	if l.debug {
		log.Info().Fields(keysAndValues).Msg(msg)
	}
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...any) {
	if l.debug {
		log.Debug().Fields(keysAndValues).Msg(msg)
	}
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...any) {
	log.Warn().Fields(keysAndValues).Msg(msg)
}
