package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a snapshot or session id is no longer
// known to the store.
var ErrSessionNotFound = errors.New("session not found")

// ErrStoreClosed is returned by store operations after Close.
var ErrStoreClosed = errors.New("snapshot store is closed")

// SpawnError reports that the agent subprocess could not be launched.
// It is fatal to the New or Restore call that produced it; the library does
// not retry, the caller owns retry policy.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn agent process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CommError reports a write or parse failure while the subprocess is
// otherwise presumed alive. Besides being returned to the caller it is
// re-surfaced as an ErrorEvent on the next poll so passive observers see it.
type CommError struct {
	Op  string
	Err error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("agent communication error during %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

// InvalidPermissionError reports a permission response whose request id does
// not match the single outstanding request. Always a caller bug or a race;
// never retried by the library.
type InvalidPermissionError struct {
	RequestID string
}

func (e *InvalidPermissionError) Error() string {
	return fmt.Sprintf("no pending permission request with id %q", e.RequestID)
}

// ExitedError reports a mutating call after the session reached its terminal
// state.
type ExitedError struct {
	Code int
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("session already exited with code %d", e.Code)
}

// SerializationError reports a snapshot encode or decode failure. It is
// fatal to that snapshot operation only; a live session's in-memory state is
// unaffected.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("snapshot serialization error: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
