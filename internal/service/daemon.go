package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/executor"
	"github.com/wolfeidau/livepipe/internal/telemetry"
	"github.com/wolfeidau/livepipe/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxProbeInterval = 2 * time.Second

// Daemon is a running background service.
type Daemon struct {
	Name string

	svc       workflow.Service
	env       map[string]string
	publisher events.Publisher
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu       sync.Mutex
	pid      int
	result   executor.Result
	err      error
	stopping bool
}

// Done is closed once the daemon process has exited.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// PID returns the process id, or 0 before the process has started.
func (d *Daemon) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

// Exited reports whether the process has exited, and with what error.
func (d *Daemon) Exited() (bool, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return true, d.err
	default:
		return false, nil
	}
}

func (d *Daemon) run(ctx context.Context, exec *executor.Executor, dir string) {
	defer close(d.done)

	res, err := exec.Execute(ctx, executor.Command{
		Source: d.Name,
		Script: d.svc.Run,
		Dir:    dir,
		Env:    d.env,
		Exec:   true,
		OnStart: func(pid int) {
			d.mu.Lock()
			d.pid = pid
			d.mu.Unlock()

			d.publish(&events.Event{
				Type: events.TypeServiceStart,
				Step: d.Name,
				PID:  pid,
			})
		},
	})

	d.mu.Lock()
	d.result = res
	d.err = err
	stopping := d.stopping
	d.mu.Unlock()

	status := "exited"
	if stopping {
		status = "stopped"
	}

	ev := &events.Event{
		Type:     events.TypeServiceExit,
		Step:     d.Name,
		Status:   status,
		ExitCode: res.ExitCode,
		PID:      res.PID,
		Duration: time.Since(d.startedAt),
	}
	if err != nil && !stopping {
		ev.Message = err.Error()
	}
	d.publish(ev)

	logger := log.With().Str("service", d.Name).Int("exit_code", res.ExitCode).Logger()
	if stopping {
		logger.Info().Msg("Service stopped")
		return
	}
	logger.Warn().Err(err).Msg("Service exited")
}

// AwaitReady polls the readiness probe with exponential backoff until it
// succeeds, the daemon exits or the start timeout elapses.
func (d *Daemon) AwaitReady(ctx context.Context) error {
	probe := d.svc.Ready
	prober, err := NewProber(probe, d.env)
	if err != nil {
		return err
	}

	metrics := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("service", d.Name))

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, d.svc.StartTimeout)
	defer cancelDeadline()

	// stop waiting as soon as the process exits
	waitCtx, cancelWait := context.WithCancel(deadlineCtx)
	defer cancelWait()
	go func() {
		select {
		case <-d.done:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = probe.Interval
	bo.MaxInterval = max(maxProbeInterval, probe.Interval)

	attempts := 0
	var lastErr error
	_, err = backoff.Retry(waitCtx, func() (struct{}, error) {
		if exited, exitErr := d.Exited(); exited {
			return struct{}{}, backoff.Permanent(d.exitedError(exitErr))
		}

		attempts++
		perr := prober.Probe(waitCtx)
		result := "success"
		if perr != nil {
			result = "failure"
			lastErr = perr
		}
		metrics.ProbeAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", d.Name),
			attribute.String("result", result),
		))
		return struct{}{}, perr
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(d.svc.StartTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("service", d.Name).Dur("next", next).Msg("Service not ready yet")
		}),
	)

	if err == nil {
		elapsed := time.Since(d.startedAt)
		metrics.ServiceReadyDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

		d.publish(&events.Event{
			Type:     events.TypeServiceReady,
			Step:     d.Name,
			PID:      d.PID(),
			Duration: elapsed,
			Attrs: map[string]string{
				"probe":    prober.String(),
				"attempts": strconv.Itoa(attempts),
			},
		})

		log.Info().Str("service", d.Name).Str("probe", prober.String()).Int("attempts", attempts).Dur("elapsed", elapsed).Msg("Service ready")
		return nil
	}

	if exited, exitErr := d.Exited(); exited {
		return d.exitedError(exitErr)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("waiting for %s cancelled: %w", d.Name, ctx.Err())
	}

	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("%w: %s after %s (%d attempts): %w", ErrServiceNotReady, d.Name, d.svc.StartTimeout, attempts, lastErr)
}

func (d *Daemon) exitedError(exitErr error) error {
	d.mu.Lock()
	code := d.result.ExitCode
	d.mu.Unlock()

	if exitErr != nil {
		return fmt.Errorf("%w: %s (exit code %d): %w", ErrServiceExited, d.Name, code, exitErr)
	}
	return fmt.Errorf("%w: %s (exit code %d)", ErrServiceExited, d.Name, code)
}

// Stop terminates the daemon and waits up to its stop timeout for it to
// exit. Stopping an exited daemon is a no-op.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	d.cancel()

	timer := time.NewTimer(d.svc.StopTimeout)
	defer timer.Stop()

	select {
	case <-d.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("service %s did not exit within %s", d.Name, d.svc.StopTimeout)
	case <-ctx.Done():
		return fmt.Errorf("stopping %s: %w", d.Name, ctx.Err())
	}
}

func (d *Daemon) publish(ev *events.Event) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.AddEvent(context.Background(), ev); err != nil && !errors.Is(err, events.ErrBatcherStopped) {
		log.Error().Err(err).Str("service", d.Name).Str("type", string(ev.Type)).Msg("Failed to publish service event")
	}
}
