package session

import "fmt"

// State is the closed set of session lifecycle states. Exactly three
// implementations exist; consumers type-switch over all of them so a future
// state is a compile-visible change at every consumption site.
type State interface {
	isState()
	String() string
}

// Running means the subprocess is active with no outstanding permission
// request.
type Running struct{}

func (Running) isState()       {}
func (Running) String() string { return "running" }

// WaitingForPermission means exactly one permission request is outstanding.
type WaitingForPermission struct {
	RequestID string
}

func (WaitingForPermission) isState() {}
func (s WaitingForPermission) String() string {
	return fmt.Sprintf("waiting_for_permission(%s)", s.RequestID)
}

// Exited means the subprocess has terminated. Terminal: no transition leaves
// this state.
type Exited struct {
	Code int
}

func (Exited) isState() {}
func (s Exited) String() string {
	return fmt.Sprintf("exited(%d)", s.Code)
}
