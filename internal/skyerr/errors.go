package skyerr

import "errors"

// Run-level errors. These abort a sync run and surface to the caller.
var (
	ErrRootNotFound    = errors.New("local sync root does not exist")
	ErrDestUnreachable = errors.New("destination root unreachable")
	ErrPairingNotFound = errors.New("sync pairing not found")
	ErrAccountNotFound = errors.New("cloud account not registered")
)

// Scheduler errors.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrBadTransition = errors.New("invalid task state transition")
	ErrInvalidLimits = errors.New("concurrency limits must all be at least 1")
	ErrSchedulerDown = errors.New("scheduler is not running")
)
