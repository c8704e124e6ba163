package workflow

import "errors"

var (
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrInvalidStep     = errors.New("invalid step")
	ErrInvalidTrigger  = errors.New("invalid trigger")
	ErrInvalidProbe    = errors.New("invalid readiness probe")
)
