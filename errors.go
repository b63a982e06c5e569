package fiber

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is against these; wrapped variants add detail
// via fmt.Errorf("%w", ...).
var (
	// ErrInvalidID is returned when a TaskID, SessionID, TimerID, or
	// QueueHandle's version no longer matches the live entity — it has
	// already been recycled (or, for a SessionID, destroyed).
	ErrInvalidID = errors.New("fiber: invalid id (entity recycled)")

	// ErrTimeout is returned when a deadline expired before a primitive
	// completed. The primitive is fully unwound before this is returned.
	ErrTimeout = errors.New("fiber: operation timed out")

	// ErrCanceled is the error for an operation abandoned because a stop
	// was requested. No primitive in this package returns it, and nothing
	// in the package sets a fiber's stop flag (see Fiber.StopRequested).
	ErrCanceled = errors.New("fiber: operation canceled")

	// ErrResourceExhausted is returned when a stack pool, task table, or
	// timer/queue admission limit could not satisfy a request.
	ErrResourceExhausted = errors.New("fiber: resource exhausted")

	// ErrWouldDeadlock is returned by Join when a fiber joins itself. A
	// fiber relocking a Mutex it already holds is not detected; that Lock
	// blocks like any other contended Lock.
	ErrWouldDeadlock = errors.New("fiber: operation would deadlock")

	// ErrInternal indicates an invariant violation. In debug builds callers
	// should treat this as fatal; fiberrt itself never panics across a
	// task's trampoline boundary, so this is always returned as a value.
	ErrInternal = errors.New("fiber: internal invariant violation")

	// ErrQueueStopped is returned by ExecutionQueue.Execute once Stop has
	// been called for that queue.
	ErrQueueStopped = errors.New("fiber: execution queue stopped")

	// ErrTimerNotFound is not returned by anything in this package: timer
	// Cancel reports its result as a CancelOutcome, and an unknown or
	// released TimerID yields CancelAlreadyCanceled.
	ErrTimerNotFound = errors.New("fiber: timer not found")
)

// CancelOutcome is the result of canceling a timer or an execution-queue
// task, modeled as a value rather than folded into the error taxonomy
// because ALREADY_FIRED / TOO_LATE are expected, frequent outcomes rather
// than failures.
type CancelOutcome int

const (
	// CancelOK means the cancellation took effect before the thing it
	// targeted ran.
	CancelOK CancelOutcome = iota
	// CancelAlreadyFired means a timer's callback has already started (or
	// is guaranteed to run); cancellation had no effect.
	CancelAlreadyFired
	// CancelAlreadyCanceled means a prior Cancel call already won the race,
	// or the id no longer names a live entry: an execution-queue submission
	// that was already dispatched and a timer whose slot has been reused
	// both report this.
	CancelAlreadyCanceled
	// CancelTooLate means an execution-queue submission has already begun
	// dispatch to onBatch; cancellation had no effect.
	CancelTooLate
)

func (c CancelOutcome) String() string {
	switch c {
	case CancelOK:
		return "OK"
	case CancelAlreadyFired:
		return "ALREADY_FIRED"
	case CancelAlreadyCanceled:
		return "ALREADY_CANCELED"
	case CancelTooLate:
		return "TOO_LATE"
	default:
		return "UNKNOWN"
	}
}

// wrapf is a thin fmt.Errorf("%s: %w", ...) helper so call sites stay terse
// while preserving errors.Is/As against the sentinel.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
