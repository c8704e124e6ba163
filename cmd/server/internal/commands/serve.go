package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/livepipe/internal/auth"
	"github.com/wolfeidau/livepipe/internal/flags"
	"github.com/wolfeidau/livepipe/internal/logger"
	"github.com/wolfeidau/livepipe/internal/pipeline"
	"github.com/wolfeidau/livepipe/internal/telemetry"
	"github.com/wolfeidau/livepipe/internal/webhook"
	"github.com/wolfeidau/livepipe/internal/worker"
	"github.com/wolfeidau/livepipe/internal/workflow"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ServeCmd struct {
	// Server configuration
	Listen          string        `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"LIVEPIPE_LISTEN"`
	Cert            string        `help:"path to TLS cert file" default:"" env:"LIVEPIPE_TLS_CERT"`
	Key             string        `help:"path to TLS key file" default:"" env:"LIVEPIPE_TLS_KEY"`
	ShutdownTimeout time.Duration `help:"time allowed for in-flight requests and run teardown" default:"2m"`

	// Trigger configuration
	WebhookSecret     string   `help:"GitHub webhook secret, signatures are not verified when empty" env:"LIVEPIPE_WEBHOOK_SECRET"`
	DispatchPublicKey string   `help:"ES256 public key (PEM) for dispatch tokens, dispatch is disabled when empty" env:"LIVEPIPE_DISPATCH_PUBLIC_KEY"`
	CORSOrigins       []string `help:"allowed CORS origins for the runs API" env:"LIVEPIPE_CORS_ORIGINS"`
	MaxBodyBytes      int64    `help:"maximum webhook payload size" default:"26214400"`

	// Pipeline configuration
	Workflow      string `help:"workflow file, the built-in pipeline when empty" env:"LIVEPIPE_WORKFLOW"`
	WorkspaceRoot string `help:"directory for per-run clones" env:"LIVEPIPE_WORKSPACE_ROOT"`
	QueueSize     int    `help:"runs that may wait behind the current one" default:"16" env:"LIVEPIPE_QUEUE_SIZE"`

	Tracing bool `help:"enable tracing" default:"false" env:"LIVEPIPE_TRACING"`

	flags.StoreFlags `embed:""`
	Journal          flags.JournalFlags `embed:"" prefix:"journal-"`
	Batch            flags.BatchFlags   `embed:"" prefix:"batch-"`
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.Init(ctx, "livepipe-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = telemetry.Noop
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	wf, err := workflow.LoadOrDefault(c.Workflow)
	if err != nil {
		return err
	}

	runStore, closeStore, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	runner, err := pipeline.NewRunner(pipeline.Config{
		Workflow:      wf,
		Store:         runStore,
		Journal:       c.Journal.Config(),
		Batching:      c.Batch.Config(),
		WorkspaceRoot: c.WorkspaceRoot,
	})
	if err != nil {
		return err
	}

	var verifier *auth.Verifier
	if c.DispatchPublicKey != "" {
		verifier, err = auth.NewVerifier(c.DispatchPublicKey)
		if err != nil {
			return fmt.Errorf("failed to load dispatch public key: %w", err)
		}
	}

	runWorker := worker.New(runner, c.QueueSize, pipeline.Options{})

	srv, err := webhook.New(webhook.Config{
		Workflow:     wf,
		Store:        runStore,
		Queue:        runWorker,
		Secret:       []byte(c.WebhookSecret),
		Verifier:     verifier,
		CORSOrigins:  c.CORSOrigins,
		MaxBodyBytes: c.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	var handler http.Handler = srv.Handler(log)
	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "livepipe-server")
	}

	// Stop cancels the current run; the signal only starts shutdown
	if err := runWorker.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	httpServer := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.listen(httpServer, log)
	}()

	select {
	case err := <-errCh:
		stopWorker(runWorker, c.ShutdownTimeout, log)
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}
	stopWorker(runWorker, c.ShutdownTimeout, log)

	return nil
}

func (c *ServeCmd) listen(httpServer *http.Server, log zerolog.Logger) error {
	var err error
	if c.Cert != "" || c.Key != "" {
		if c.Cert == "" || c.Key == "" {
			return errors.New("TLS needs both --cert and --key")
		}
		log.Info().Str("addr", c.Listen).Msg("Starting HTTPS server")
		err = httpServer.ListenAndServeTLS(c.Cert, c.Key)
	} else {
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		err = httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func stopWorker(w *worker.Worker, timeout time.Duration, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop worker")
	}
}
