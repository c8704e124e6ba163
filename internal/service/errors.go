package service

import "errors"

var (
	// ErrServiceExited is returned when a daemon exits before becoming ready.
	ErrServiceExited = errors.New("service exited before it was ready")
	// ErrServiceNotReady is returned when the readiness deadline passes.
	ErrServiceNotReady = errors.New("service not ready before deadline")
	// ErrProbeFailed is a single unsuccessful probe attempt.
	ErrProbeFailed = errors.New("readiness probe failed")
	// ErrSupervisorStopped is returned by Start after StopAll.
	ErrSupervisorStopped = errors.New("supervisor is stopped")
)
