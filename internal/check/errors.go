package check

import "errors"

var (
	ErrResourceAcquisition = errors.New("resource acquisition failed")
	ErrAttemptsExhausted   = errors.New("captcha attempts exhausted")
	ErrEvaluation          = errors.New("availability evaluation failed")
	ErrCancelled           = errors.New("session cancelled")

	// ErrBusy is returned when a session is running and could not be replaced in time.
	ErrBusy = errors.New("a check is already running")
	// ErrOutsideWindow is returned for scheduled triggers outside working hours.
	ErrOutsideWindow = errors.New("outside working hours")
	ErrShuttingDown  = errors.New("orchestrator is shutting down")
)
