// Package webhook serves the trigger API: GitHub webhooks and authenticated
// dispatches enqueue runs, and the run history is readable as JSON.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"filippo.io/csrf"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/auth"
	"github.com/wolfeidau/livepipe/internal/events"
	httpmiddleware "github.com/wolfeidau/livepipe/internal/http"
	"github.com/wolfeidau/livepipe/internal/pipeline"
	"github.com/wolfeidau/livepipe/internal/store"
	"github.com/wolfeidau/livepipe/internal/telemetry"
	"github.com/wolfeidau/livepipe/internal/trigger"
	"github.com/wolfeidau/livepipe/internal/worker"
	"github.com/wolfeidau/livepipe/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMaxBodyBytes matches the largest payload GitHub delivers.
const DefaultMaxBodyBytes = 25 << 20

// finished runs never change, so clients may cache them
const terminalCacheControl = "public, max-age=3600, immutable"

var ErrNoQueue = errors.New("webhook server requires a run queue")

// Queue accepts runs for the single pipeline worker.
type Queue interface {
	Enqueue(ctx context.Context, job worker.Job) error
	Pending() int
}

type Config struct {
	Workflow *workflow.Workflow
	Store    store.RunStore
	Queue    Queue
	// Secret verifies X-Hub-Signature-256. Empty skips verification.
	Secret []byte
	// Verifier authorises /dispatch. Nil disables the route.
	Verifier *auth.Verifier
	// CORSOrigins may read the runs API from a browser.
	CORSOrigins  []string
	MaxBodyBytes int64
}

type Server struct {
	cfg Config
	mux *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.Workflow == nil {
		return nil, pipeline.ErrNoWorkflow
	}
	if cfg.Store == nil {
		return nil, pipeline.ErrNoStore
	}
	if cfg.Queue == nil {
		return nil, ErrNoQueue
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux()}

	runsAPI := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{"Authorization"},
	})

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /webhook/github", s.handleGitHub)
	s.mux.Handle("GET /runs", runsAPI.Handler(http.HandlerFunc(s.handleListRuns)))
	s.mux.Handle("GET /runs/{id}", runsAPI.Handler(http.HandlerFunc(s.handleGetRun)))
	s.mux.Handle("GET /runs/{id}/events", runsAPI.Handler(http.HandlerFunc(s.handleListEvents)))

	if cfg.Verifier != nil {
		s.mux.Handle("POST /dispatch", cfg.Verifier.Middleware()(http.HandlerFunc(s.handleDispatch)))
	} else {
		log.Warn().Msg("No dispatch public key configured, /dispatch is disabled")
	}

	if len(cfg.Secret) == 0 {
		log.Warn().Msg("No webhook secret configured, GitHub signatures are not verified")
	}

	return s, nil
}

// Handler returns the routes wrapped in client IP, request logging and
// cross-origin protection middleware.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	protection := csrf.New()

	var h http.Handler = s.mux
	h = protection.Handler(h)
	h = httpmiddleware.RequestLogger(logger)(h)
	h = httpmiddleware.ClientIPMiddleware()(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Workflow: s.cfg.Workflow.Name,
		Pending:  s.cfg.Queue.Pending(),
	})
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)
	eventType := r.Header.Get(trigger.HeaderEvent)

	outcome := func(result string) {
		telemetry.GetMetrics().WebhookRequestsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", eventType),
			attribute.String("outcome", result),
		))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		outcome("too_large")
		writeError(w, http.StatusRequestEntityTooLarge, "failed to read body")
		return
	}

	if len(s.cfg.Secret) > 0 {
		if err := trigger.VerifySignature(s.cfg.Secret, r.Header.Get(trigger.HeaderSignature), body); err != nil {
			outcome("unauthorized")
			logger.Warn().Err(err).Str("event", eventType).Msg("Rejected webhook delivery")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	ev, err := trigger.ParseGitHub(eventType, body)
	switch {
	case errors.Is(err, trigger.ErrUnsupportedEvent), errors.Is(err, trigger.ErrRefDeleted):
		outcome("ignored")
		writeJSON(w, http.StatusOK, Response{Status: StatusIgnored, Reason: err.Error()})
		return
	case err != nil:
		outcome("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev.DeliveryID = r.Header.Get(trigger.HeaderDelivery)

	if ev.Kind == trigger.KindPing {
		outcome("pong")
		logger.Info().Str("repository", ev.Repository).Msg("Webhook ping received")
		writeJSON(w, http.StatusOK, Response{Status: StatusPong})
		return
	}

	matched, reason := trigger.Match(s.cfg.Workflow.On, ev)
	if !matched {
		outcome("ignored")
		logger.Info().
			Str("event", string(ev.Kind)).
			Str("ref", ev.Ref).
			Str("reason", reason).
			Msg("Event did not match workflow triggers")
		writeJSON(w, http.StatusOK, Response{Status: StatusIgnored, Reason: reason})
		return
	}

	resp, status := s.enqueue(ctx, ev, false, reason)
	outcome(resp.Status)
	writeJSON(w, status, resp)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DispatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid dispatch request: %v", err))
		return
	}
	if strings.TrimSpace(req.Ref) == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}

	ev := trigger.Event{
		Kind:       trigger.KindDispatch,
		Ref:        req.Ref,
		SHA:        req.SHA,
		Repository: req.Repository,
		CloneURL:   req.CloneURL,
		Sender:     auth.SubjectFromContext(ctx),
	}

	resp, status := s.enqueue(ctx, ev, true, "dispatched by "+ev.Sender)
	writeJSON(w, status, resp)
}

// enqueue allocates the run id up front so the caller can follow the run.
func (s *Server) enqueue(ctx context.Context, ev trigger.Event, force bool, reason string) (Response, int) {
	runID, shortID, err := pipeline.NewRunID()
	if err != nil {
		return Response{Status: StatusError, Reason: err.Error()}, http.StatusInternalServerError
	}

	err = s.cfg.Queue.Enqueue(ctx, worker.Job{
		RunID:   runID,
		ShortID: shortID,
		Event:   ev,
		Force:   force,
	})
	switch {
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrStopped):
		zerolog.Ctx(ctx).Warn().Err(err).Str("ref", ev.Ref).Msg("Run rejected")
		return Response{Status: StatusRejected, Reason: err.Error()}, http.StatusServiceUnavailable
	case err != nil:
		return Response{Status: StatusError, Reason: err.Error()}, http.StatusInternalServerError
	}

	return Response{Status: StatusQueued, RunID: runID, ShortID: shortID, Reason: reason}, http.StatusAccepted
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status:     store.Status(q.Get("status")),
		Workflow:   q.Get("workflow"),
		Repository: q.Get("repository"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	runs, err := s.cfg.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ListRunsResponse{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	setRunCacheControl(w, run)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var from int64
	if v := r.URL.Query().Get("from"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			writeError(w, http.StatusBadRequest, "invalid from sequence")
			return
		}
		from = seq
	}

	run, err := s.cfg.Store.GetRun(ctx, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	evs, err := s.cfg.Store.ListEvents(ctx, run.ID, from)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	resp := ListEventsResponse{RunID: run.ID, Events: evs, Next: from}
	if resp.Events == nil {
		resp.Events = []*events.Event{}
	}
	if n := len(evs); n > 0 {
		resp.Next = evs[n-1].Sequence + 1
	}

	setRunCacheControl(w, run)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, store.ErrUnavailable):
		// retryablehttp clients retry 503
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Run store unavailable")
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	zerolog.Ctx(r.Context()).Error().Err(err).Msg("Run store request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func setRunCacheControl(w http.ResponseWriter, run *store.Run) {
	if run.Status.Terminal() {
		w.Header().Set("Cache-Control", terminalCacheControl)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
