// Package bridgeerr defines the error taxonomy of spec §7: a small set
// of sentinel errors callers can match with errors.Is, each wrapped
// with %w around whatever underlying cause triggered it. Matches the
// teacher's own style of plain errors.New sentinels (errHalted,
// errMaxAttempts in server/internal/decoy) rather than a third-party
// errors package.
package bridgeerr

import "errors"

var (
	// ErrUserError is surfaced when the worker reports
	// PYTHON_EXCEPTION_THROWN.
	ErrUserError = errors.New("bridge: worker reported a user error")
	// ErrWorkerInputFailure is surfaced when the feeder's exception slot
	// was set at the time the reader observed a failure.
	ErrWorkerInputFailure = errors.New("bridge: feeder failed writing worker input")
	// ErrWorkerCrashed is surfaced on EOF with no recorded feeder
	// exception and no cancellation in effect.
	ErrWorkerCrashed = errors.New("bridge: worker exited unexpectedly")
	// ErrTaskCancelled is surfaced when an I/O error occurs while the
	// task context is cancelled.
	ErrTaskCancelled = errors.New("bridge: task cancelled")
	// ErrHostShuttingDown names an I/O error that occurred because the
	// host runtime is stopping. The reader never returns it: it swallows
	// such errors itself and ends iteration silently.
	ErrHostShuttingDown = errors.New("bridge: host runtime shutting down")
	// ErrProtocol covers unknown sentinels, short reads, and a missing
	// terminal END_OF_STREAM.
	ErrProtocol = errors.New("bridge: protocol error")
	// ErrAggregatorProtocol is surfaced when the accumulator sink's
	// aggregator connection yields EOF before the single ack byte.
	ErrAggregatorProtocol = errors.New("bridge: aggregator protocol error")
)

// UserError wraps ErrUserError with the worker's UTF-8 message and, if
// set, the feeder's own recorded cause (spec §7 USER_ERROR: "the UTF-8
// message + feeder exception (if any) as cause").
type UserError struct {
	Message string
	Cause   error
}

func (e *UserError) Error() string {
	if e.Cause != nil {
		return "bridge: user error: " + e.Message + ": " + e.Cause.Error()
	}
	return "bridge: user error: " + e.Message
}

func (e *UserError) Unwrap() error { return ErrUserError }
