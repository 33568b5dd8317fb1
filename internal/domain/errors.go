package domain

import "errors"

// Sentinel errors for the error taxonomy. Components wrap these with
// context via fmt.Errorf("...: %w", ...); callers use errors.Is to branch.
var (
	// ErrQueueFull is returned by the priority queue when inserting at capacity.
	ErrQueueFull = errors.New("queue: full")
	// ErrDuplicateID is returned by the priority queue on a repeat id.
	ErrDuplicateID = errors.New("queue: duplicate id")
	// ErrNotFound is returned when an id is looked up and absent.
	ErrNotFound = errors.New("not found")

	// ErrValidation covers malformed chunk/event structure or timing.
	ErrValidation = errors.New("validation error")
	// ErrGenerationFailure covers a generator callback erroring, timing out,
	// or returning nil.
	ErrGenerationFailure = errors.New("generation failure")
	// ErrBufferUnderrun is non-fatal; it drives a state transition, not an abort.
	ErrBufferUnderrun = errors.New("buffer underrun")
	// ErrDecodeError covers audio data that could not be decoded.
	ErrDecodeError = errors.New("audio decode error")
	// ErrExecutionTimeout covers an event handler exceeding its budget.
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrSeekBlocked is returned when a seek target is not sufficiently buffered.
	ErrSeekBlocked = errors.New("seek blocked: target not buffered")
	// ErrCancelled is returned by any cancellable operation cut short by its
	// context or an explicit cancellation token.
	ErrCancelled = errors.New("operation cancelled")
)
