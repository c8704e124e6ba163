package executor

import "errors"

var (
	ErrStepFailed  = errors.New("step failed")
	ErrStepTimeout = errors.New("step timed out")
	ErrEmptyScript = errors.New("script is empty")
	ErrNoExit      = errors.New("process stream ended without an exit status")
)
