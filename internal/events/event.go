// Package events defines the events emitted while a pipeline runs and the
// batcher that groups process output into output_batch events.
package events

import (
	"context"
	"time"
)

// Type identifies the kind of a run event.
type Type string

const (
	TypeRunStart      Type = "run_start"
	TypeRunEnd        Type = "run_end"
	TypeStepStart     Type = "step_start"
	TypeStepEnd       Type = "step_end"
	TypeOutputBatch   Type = "output_batch"
	TypeServiceStart  Type = "service_start"
	TypeServiceReady  Type = "service_ready"
	TypeServiceExit   Type = "service_exit"
	TypeCheckoutStart Type = "checkout_start"
	TypeCheckoutEnd   Type = "checkout_end"
	TypeCheckoutError Type = "checkout_error"
)

// StreamType tags where an output chunk came from.
type StreamType int32

const (
	StreamUnspecified StreamType = iota
	StreamStdout
	StreamStderr
)

func (s StreamType) String() string {
	switch s {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "unspecified"
	}
}

// Event is a single entry in a run's event stream.
type Event struct {
	Sequence  int64             `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	Type      Type              `json:"type"`
	Step      string            `json:"step,omitempty"`
	Status    string            `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
	ExitCode  int               `json:"exit_code,omitempty"`
	PID       int               `json:"pid,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Batch     *OutputBatch      `json:"batch,omitempty"`
}

// OutputItem is one chunk of process output inside a batch.
type OutputItem struct {
	Source           string     `json:"source"`
	Output           []byte     `json:"output"`
	StreamType       StreamType `json:"stream_type"`
	TimestampDeltaMs int32      `json:"timestamp_delta_ms"`
}

// OutputBatch groups consecutive output items. Sequences are inclusive.
type OutputBatch struct {
	Outputs                []OutputItem `json:"outputs"`
	StartSequence          int64        `json:"start_sequence"`
	EndSequence            int64        `json:"end_sequence"`
	FirstTimestampMs       int64        `json:"first_timestamp_ms"`
	PlaybackIntervalMillis int32        `json:"playback_interval_millis"`
}

// Publisher receives events and output from running steps and services.
type Publisher interface {
	AddEvent(ctx context.Context, event *Event) error
	AddOutput(ctx context.Context, source string, output []byte, stream StreamType) error
}
