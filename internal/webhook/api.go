package webhook

import (
	"github.com/wolfeidau/livepipe/internal/events"
	"github.com/wolfeidau/livepipe/internal/store"
)

// Delivery outcomes reported in Response.Status.
const (
	StatusQueued   = "queued"
	StatusIgnored  = "ignored"
	StatusPong     = "pong"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// Response answers webhook and dispatch requests.
type Response struct {
	Status  string `json:"status"`
	RunID   string `json:"run_id,omitempty"`
	ShortID string `json:"short_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// DispatchRequest asks for a forced run. Ref may be a full ref or a bare
// branch name.
type DispatchRequest struct {
	Ref        string `json:"ref"`
	SHA        string `json:"sha,omitempty"`
	Repository string `json:"repository,omitempty"`
	CloneURL   string `json:"clone_url,omitempty"`
}

type ListRunsResponse struct {
	Runs []*store.Run `json:"runs"`
}

type ListEventsResponse struct {
	RunID  string          `json:"run_id"`
	Events []*events.Event `json:"events"`
	// Next is the sequence to pass as ?from= to continue reading.
	Next int64 `json:"next"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Workflow string `json:"workflow"`
	Pending  int    `json:"pending"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
