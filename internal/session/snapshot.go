package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds a session's immutable creation parameters. It is owned by the
// session for its entire lifetime and reused unmodified on restore.
type Config struct {
	// SessionID is the globally unique session identifier.
	SessionID string `json:"session_id"`

	// WorkingDir is the absolute path the agent subprocess runs in.
	WorkingDir string `json:"working_directory"`

	// Name is a human-readable session name.
	Name string `json:"session_name"`

	// Resume continues a prior agent-side conversation instead of starting
	// fresh.
	Resume bool `json:"resume"`

	// ClaudePath optionally overrides the agent command line. Empty means
	// the default binary on the search path.
	ClaudePath string `json:"claude_path,omitempty"`

	// BufferLimit bounds the output buffer. Required, must be positive.
	BufferLimit int `json:"buffer_limit"`
}

// Validate checks the creation parameters.
func (c Config) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !filepath.IsAbs(c.WorkingDir) {
		return fmt.Errorf("working directory must be absolute, got %q", c.WorkingDir)
	}
	if c.BufferLimit <= 0 {
		return fmt.Errorf("buffer limit must be positive, got %d", c.BufferLimit)
	}
	return nil
}

// PendingPermission is the single outstanding tool-permission request of a
// session, if any.
type PendingPermission struct {
	// RequestID is unique across the session's lifetime.
	RequestID string `json:"request_id"`

	// ToolName is the tool the agent wants to use.
	ToolName string `json:"tool_name"`

	// Input is the tool input the agent proposed.
	Input json.RawMessage `json:"input"`

	// RequestedAt is when the request was received. Exposed so an external
	// policy can time out stale requests; the session itself never
	// auto-resolves.
	RequestedAt time.Time `json:"requested_at"`
}

// Snapshot is a serializable point-in-time capture of everything needed to
// restore a session after a host restart. Producing one is a pure read of
// in-memory state; it never blocks on subprocess I/O.
type Snapshot struct {
	ID                string             `json:"id"`
	Config            Config             `json:"config"`
	PendingOutputs    []BufferedOutput   `json:"pending_outputs"`
	PendingPermission *PendingPermission `json:"pending_permission,omitempty"`
	LastActivity      time.Time          `json:"last_activity"`

	// WasRunning records whether the subprocess was still alive when the
	// snapshot was taken. A restore skips respawning sessions that had
	// already exited.
	WasRunning bool `json:"was_running"`
}

// Encode serializes the snapshot to pretty-printed JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

// DecodeSnapshot deserializes a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &SerializationError{Err: err}
	}
	return &snap, nil
}
