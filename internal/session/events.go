package session

import (
	"encoding/json"
	"time"
)

// Event is the closed set of observations a session produces. Every message
// received from the subprocess classifies into exactly one variant; nothing
// is silently dropped.
type Event interface {
	isEvent()
}

// OutputEvent carries one agent output message. The content has already been
// buffered under Seq for replay.
type OutputEvent struct {
	Seq       uint64
	Content   json.RawMessage
	Timestamp time.Time
}

func (OutputEvent) isEvent() {}

// PermissionRequestEvent reports a new outstanding tool-permission request.
// The session is now in WaitingForPermission until it is answered.
type PermissionRequestEvent struct {
	Request PendingPermission
}

func (PermissionRequestEvent) isEvent() {}

// ExitedEvent reports subprocess termination. Delivered exactly once.
type ExitedEvent struct {
	Code int
}

func (ExitedEvent) isEvent() {}

// BranchChangedEvent reports that the checked-out git branch of the working
// directory changed while the session was running.
type BranchChangedEvent struct {
	Branch string
}

func (BranchChangedEvent) isEvent() {}

// ErrorEvent reports a malformed or unexpected subprocess message, a
// protocol violation, or a deferred communication error.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) isEvent() {}
