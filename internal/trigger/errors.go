package trigger

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnsupportedEvent = errors.New("unsupported event type")
	ErrInvalidPayload   = errors.New("invalid event payload")
	ErrRefDeleted       = errors.New("ref was deleted")
)
