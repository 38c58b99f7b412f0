package corert

import (
	"errors"
	"fmt"
)

// PanicError wraps a recovered panic value, preserving it as an error cause
// chain so callers can use errors.Is/errors.As against the original value
// when it was itself an error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("corert: recovered panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error,
// otherwise nil.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AggregateError collects multiple failures into a single error, used by
// WhenAny when every future it was given rejects. (WhenAll and
// ParallelForEach reject with the first observed error instead.)
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("corert: %d errors occurred, first: %v", len(e.Errors), e.Errors[0])
}

// Unwrap exposes every aggregated error to errors.Is/errors.As.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

func (e *AggregateError) Is(target error) bool {
	var agg *AggregateError
	return errors.As(target, &agg)
}

// RangeError marks a value outside its documented domain, e.g. a zero
// scheduling-group share count.
type RangeError struct {
	Cause   error
	Message string
}

func (e *RangeError) Error() string {
	if e.Message == "" {
		return "corert: range error"
	}
	return e.Message
}

func (e *RangeError) Unwrap() error { return e.Cause }

// Sentinel error kinds named by the synchronization-primitive error model.
// All are compared with errors.Is; none carry mutable state of their own.
var (
	// ErrBrokenPromise is reported when a promise's backing state becomes
	// unreachable without ever having been resolved or rejected.
	ErrBrokenPromise = errors.New("corert: broken promise")

	// ErrGateClosed is returned by Gate.Enter, and by the future WithGate
	// returns, once the gate has been closed.
	ErrGateClosed = errors.New("corert: gate closed")

	// ErrSleepAborted is the error a SleepAbortable future resolves to, when
	// its companion AbortSource fires before the deadline.
	ErrSleepAborted = errors.New("corert: sleep aborted")

	// ErrSemaphoreTimedOut is returned when a bounded-concurrency acquire
	// does not succeed before its deadline.
	ErrSemaphoreTimedOut = errors.New("corert: semaphore acquire timed out")

	// ErrSemaphoreBroken is returned to any waiter left parked, and to every
	// later acquire, once Semaphore.Break has been called.
	ErrSemaphoreBroken = errors.New("corert: semaphore broken")

	// ErrShardStopped is returned by Schedule once a shard has begun or
	// finished shutting down, and rejects every still-pending future of the
	// shard when its run loop exits.
	ErrShardStopped = errors.New("corert: shard stopped")

	// ErrReentrantRun is returned by Shard.Run when the shard is no longer in
	// its initial Awake state: it is already running (whether Run is called
	// from its own run loop or from another goroutine), or it has been shut
	// down.
	ErrReentrantRun = errors.New("corert: reentrant Run")

	// ErrFutureAlreadyConsumed marks a second attempt to attach a
	// continuation, or call Get, on a future that already has one.
	ErrFutureAlreadyConsumed = errors.New("corert: future already consumed")

	// ErrNotOnShardThread is returned by Future.Get when it is called from
	// the owning shard's own run-loop goroutine, where blocking would
	// deadlock the shard.
	ErrNotOnShardThread = errors.New("corert: not on shard thread")
)

// WrapError wraps an error with a message, matching the %w convention used
// throughout this package so errors.Is(result, cause) holds.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// TimeoutError represents a deadline expiring before an operation completed.
type TimeoutError struct {
	Cause   error
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "corert: operation timed out"
	}
	return e.Message
}

func (e *TimeoutError) Unwrap() error { return e.Cause }
