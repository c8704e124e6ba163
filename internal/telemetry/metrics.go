package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/wolfeidau/livepipe"
)

// Metrics holds the OpenTelemetry instruments shared across the runner.
type Metrics struct {
	// Run and step metrics
	RunsTotal        metric.Int64Counter
	StepDuration     metric.Float64Histogram
	StepsFailedTotal metric.Int64Counter

	// Service readiness metrics
	ServiceReadyDuration metric.Float64Histogram
	ProbeAttemptsTotal   metric.Int64Counter

	// Journal delivery metrics
	JournalRecordsSentTotal metric.Int64Counter
	JournalSendErrorsTotal  metric.Int64Counter

	// Webhook server metrics
	WebhookRequestsTotal metric.Int64Counter
	QueueDepth           metric.Int64UpDownCounter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the process wide instruments, creating them on first use
// against the global meter provider.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = newMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	})
	return metrics
}

// Tracer returns the tracer used for run and step spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func newMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}

	m.RunsTotal, _ = meter.Int64Counter(
		"livepipe.runs.total",
		metric.WithDescription("Total number of pipeline runs by final status"),
		metric.WithUnit("{run}"),
	)

	m.StepDuration, _ = meter.Float64Histogram(
		"livepipe.steps.duration",
		metric.WithDescription("Duration of pipeline steps"),
		metric.WithUnit("ms"),
	)

	m.StepsFailedTotal, _ = meter.Int64Counter(
		"livepipe.steps.failed.total",
		metric.WithDescription("Total number of failed pipeline steps"),
		metric.WithUnit("{step}"),
	)

	m.ServiceReadyDuration, _ = meter.Float64Histogram(
		"livepipe.services.ready.duration",
		metric.WithDescription("Time from service start until its readiness probe succeeded"),
		metric.WithUnit("ms"),
	)

	m.ProbeAttemptsTotal, _ = meter.Int64Counter(
		"livepipe.services.probe.attempts.total",
		metric.WithDescription("Total number of readiness probe attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.JournalRecordsSentTotal, _ = meter.Int64Counter(
		"livepipe.journal.records.sent.total",
		metric.WithDescription("Total number of journal records delivered to the run store"),
		metric.WithUnit("{record}"),
	)

	m.JournalSendErrorsTotal, _ = meter.Int64Counter(
		"livepipe.journal.send.errors.total",
		metric.WithDescription("Total number of failed journal delivery attempts"),
		metric.WithUnit("{error}"),
	)

	m.WebhookRequestsTotal, _ = meter.Int64Counter(
		"livepipe.webhook.requests.total",
		metric.WithDescription("Total number of webhook deliveries by outcome"),
		metric.WithUnit("{request}"),
	)

	m.QueueDepth, _ = meter.Int64UpDownCounter(
		"livepipe.queue.depth",
		metric.WithDescription("Number of runs waiting in the server queue"),
		metric.WithUnit("{run}"),
	)

	return m
}
