package task

import (
	"errors"
	"sync/atomic"
)

// Signals the executor maps to task state when an I/O loop stops early.
var (
	// ErrPaused is returned by Token.Check when a cooperative pause was
	// requested. The scheduler moves the task back to paused, not failed.
	ErrPaused = errors.New("task paused")

	// ErrCancelled is returned by Token.Check when cancellation was
	// requested. The scheduler moves the task to cancelled.
	ErrCancelled = errors.New("task cancelled")
)

// Token carries the cooperative pause/cancel signal into an in-flight
// transfer. The executor checks it at every chunk boundary; the
// scheduler never forcibly terminates a worker.
type Token struct {
	paused    atomic.Bool
	cancelled atomic.Bool
}

// Pause requests a cooperative pause.
func (t *Token) Pause() { t.paused.Store(true) }

// Cancel requests a best-effort abort. Cancel wins over pause.
func (t *Token) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether cancellation was requested.
func (t *Token) Cancelled() bool { return t.cancelled.Load() }

// Paused reports whether a pause was requested.
func (t *Token) Paused() bool { return t.paused.Load() }

// Check returns ErrCancelled or ErrPaused when a signal is set, nil
// otherwise. Called at each chunk boundary of a transfer.
func (t *Token) Check() error {
	if t.cancelled.Load() {
		return ErrCancelled
	}

	if t.paused.Load() {
		return ErrPaused
	}

	return nil
}
