package pipeline

import "errors"

var (
	ErrNoWorkflow      = errors.New("workflow is required")
	ErrNoStore         = errors.New("run store is required")
	ErrUnknownAction   = errors.New("unknown action")
	ErrRuntimeNotFound = errors.New("runtime interpreter not found")
	ErrRuntimeVersion  = errors.New("runtime interpreter version mismatch")
)
