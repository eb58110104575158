// Package session implements restart-safe management of one interactive
// agent subprocess: the event stream, the replay buffer, the permission
// handshake, and the snapshot/restore contract.
//
// A Session is driven by a single task at a time. Polling (NextEvent) and
// mutating calls (SendInput, RespondPermission, Stop) must not be issued
// concurrently from multiple goroutines; callers that multiplex many
// sessions give each one its own driving goroutine. Distinct sessions are
// fully independent.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/okapilab/keeper/internal/agent"
	"github.com/okapilab/keeper/internal/runner"
)

// defaultPollTimeout bounds one NextEvent call when nothing is ready.
const defaultPollTimeout = 50 * time.Millisecond

// conn is the subprocess communication handle. Satisfied by *agent.Process;
// tests substitute an in-memory implementation.
type conn interface {
	Messages() <-chan agent.Inbound
	WriteInput(content json.RawMessage) error
	WriteDecision(requestID string, d agent.Decision) error
	CloseInput() error
	Close() error
}

// Options tunes session construction. The zero value is usable.
type Options struct {
	// Runner optionally sandboxes the agent subprocess.
	Runner *runner.Runner

	// Logger receives session diagnostics. Nil disables them.
	Logger *slog.Logger

	// PollTimeout bounds one NextEvent call. Zero means a 50ms default.
	PollTimeout time.Duration
}

// Session owns one agent subprocess, its output buffer, and its permission
// state. Create with New or Restore; release with Close, which terminates
// the subprocess.
type Session struct {
	id     string
	cfg    Config
	conn   conn
	buffer *OutputBuffer
	branch *branchWatcher
	logger *slog.Logger

	state   State
	pending *PendingPermission

	// queued holds communication errors to re-surface as ErrorEvents on
	// subsequent polls.
	queued []error

	exitDelivered bool
	lastActivity  time.Time
	pollTimeout   time.Duration
	closed        bool
}

// New spawns an agent subprocess in cfg.WorkingDir and wraps it in a
// Session. The agent starts a new conversation unless cfg.Resume asks it to
// continue a prior one. A launch failure is reported as *SpawnError; the
// caller owns retry policy.
func New(cfg Config, opts Options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	proc, err := agent.Spawn(agent.SpawnOptions{
		Command:    cfg.ClaudePath,
		WorkingDir: cfg.WorkingDir,
		Resume:     cfg.Resume,
		Runner:     opts.Runner,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	return build(cfg, proc, opts), nil
}

// Restore re-creates a session from a snapshot. The agent is respawned with
// its conversation-resume capability and the buffered outputs and pending
// permission are trusted as ground truth; nothing is replayed to the
// subprocess, replay is for consumers. If the spawn fails, no session is
// created and the snapshot remains intact on the caller's side.
func Restore(snap *Snapshot, opts Options) (*Session, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is nil")
	}
	cfg := snap.Config
	if cfg.SessionID == "" {
		cfg.SessionID = snap.ID
	}
	// Future snapshots of this session must respawn with --continue too.
	cfg.Resume = true
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	proc, err := agent.Spawn(agent.SpawnOptions{
		Command:    cfg.ClaudePath,
		WorkingDir: cfg.WorkingDir,
		Resume:     cfg.Resume,
		Runner:     opts.Runner,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	s := build(cfg, proc, opts)
	s.buffer = FromSnapshot(snap.PendingOutputs, cfg.BufferLimit)
	if snap.PendingPermission != nil {
		p := *snap.PendingPermission
		s.pending = &p
		s.state = WaitingForPermission{RequestID: p.RequestID}
	}
	if !snap.LastActivity.IsZero() {
		s.lastActivity = snap.LastActivity
	}
	return s, nil
}

// build assembles a session around an established connection. Tests use it
// directly with an in-memory conn.
func build(cfg Config, c conn, opts Options) *Session {
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	logger := opts.Logger
	if logger != nil {
		logger = logger.With("session_id", cfg.SessionID)
	}

	s := &Session{
		id:           cfg.SessionID,
		cfg:          cfg,
		conn:         c,
		buffer:       NewOutputBuffer(cfg.BufferLimit),
		logger:       logger,
		state:        Running{},
		lastActivity: time.Now(),
		pollTimeout:  pollTimeout,
	}

	bw, err := newBranchWatcher(cfg.WorkingDir, logger)
	if err != nil {
		// Branch notifications are best-effort; the session works without.
		if logger != nil {
			logger.Debug("branch watcher unavailable", "error", err)
		}
	} else {
		s.branch = bw
	}

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the session's immutable creation parameters.
func (s *Session) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// IsRunning reports whether the session has not reached its terminal state.
func (s *Session) IsRunning() bool {
	_, exited := s.state.(Exited)
	return !exited
}

// PendingPermission returns a copy of the outstanding permission request, or
// nil if none.
func (s *Session) PendingPermission() *PendingPermission {
	if s.pending == nil {
		return nil
	}
	p := *s.pending
	return &p
}

// NextEvent is the sole mechanism for observing the subprocess. It returns
// the next event, or nil promptly (bounded by the poll timeout) when nothing
// is ready, so a caller can round-robin many sessions cooperatively. At most
// one state transition happens per call. After the exit event has been
// delivered once, NextEvent returns nil forever.
func (s *Session) NextEvent() Event {
	if len(s.queued) > 0 {
		err := s.queued[0]
		s.queued = s.queued[1:]
		return ErrorEvent{Err: err}
	}

	if s.exitDelivered {
		return nil
	}

	var branchCh <-chan string
	if s.branch != nil {
		branchCh = s.branch.Events()
	}

	timer := time.NewTimer(s.pollTimeout)
	defer timer.Stop()

	select {
	case in, ok := <-s.conn.Messages():
		if !ok {
			return nil
		}
		return s.handleInbound(in)

	case branch, ok := <-branchCh:
		if !ok {
			s.branch = nil
			return nil
		}
		return BranchChangedEvent{Branch: branch}

	case <-timer.C:
		return nil
	}
}

// handleInbound classifies one protocol unit into exactly one event and
// applies its state transition.
func (s *Session) handleInbound(in agent.Inbound) Event {
	switch in.Kind {
	case agent.InboundOutput:
		seq := s.buffer.PushAt(in.Content, in.Received)
		s.lastActivity = in.Received
		return OutputEvent{Seq: seq, Content: in.Content, Timestamp: in.Received}

	case agent.InboundPermission:
		switch st := s.state.(type) {
		case WaitingForPermission:
			// Protocol violation: the agent must not issue a second request
			// before the first is resolved. First one wins.
			return ErrorEvent{Err: fmt.Errorf(
				"protocol violation: permission request %q received while %q is still pending",
				in.Request.RequestID, st.RequestID)}
		case Exited:
			return ErrorEvent{Err: fmt.Errorf(
				"protocol violation: permission request %q received after exit", in.Request.RequestID)}
		case Running:
			p := PendingPermission{
				RequestID:   in.Request.RequestID,
				ToolName:    in.Request.ToolName,
				Input:       in.Request.Input,
				RequestedAt: in.Received,
			}
			s.pending = &p
			s.state = WaitingForPermission{RequestID: p.RequestID}
			s.lastActivity = in.Received
			if s.logger != nil {
				s.logger.Debug("permission requested",
					"request_id", p.RequestID,
					"tool", p.ToolName)
			}
			return PermissionRequestEvent{Request: p}
		default:
			return ErrorEvent{Err: fmt.Errorf("unknown session state %T", s.state)}
		}

	case agent.InboundExit:
		s.state = Exited{Code: in.ExitCode}
		s.exitDelivered = true
		s.stopBranchWatcher()
		if s.logger != nil {
			s.logger.Info("agent exited", "code", in.ExitCode)
		}
		return ExitedEvent{Code: in.ExitCode}

	case agent.InboundProtocolError:
		return ErrorEvent{Err: in.Err}

	default:
		return ErrorEvent{Err: fmt.Errorf("unknown inbound kind %d", in.Kind)}
	}
}

// SendInput forwards one input submission to the subprocess.
func (s *Session) SendInput(content json.RawMessage) error {
	if st, ok := s.state.(Exited); ok {
		return &ExitedError{Code: st.Code}
	}

	if err := s.conn.WriteInput(content); err != nil {
		commErr := &CommError{Op: "send_input", Err: err}
		s.queued = append(s.queued, commErr)
		return commErr
	}

	s.lastActivity = time.Now()
	return nil
}

// RespondPermission answers the outstanding permission request. The request
// id must exactly match the pending one; stale or unknown ids are rejected
// with *InvalidPermissionError so callers can detect races. On success the
// session transitions back to Running and the decision is forwarded to the
// subprocess.
func (s *Session) RespondPermission(requestID string, d agent.Decision) error {
	if st, ok := s.state.(Exited); ok {
		return &ExitedError{Code: st.Code}
	}

	waiting, ok := s.state.(WaitingForPermission)
	if !ok || waiting.RequestID != requestID {
		return &InvalidPermissionError{RequestID: requestID}
	}

	if err := s.conn.WriteDecision(requestID, d); err != nil {
		commErr := &CommError{Op: "respond_permission", Err: err}
		s.queued = append(s.queued, commErr)
		return commErr
	}

	s.state = Running{}
	s.pending = nil
	s.lastActivity = time.Now()
	if s.logger != nil {
		s.logger.Debug("permission answered",
			"request_id", requestID,
			"allow", d.Allow)
	}
	return nil
}

// Ack removes buffered outputs with sequence number <= seq, on behalf of a
// consumer that has durably received them.
func (s *Session) Ack(seq uint64) {
	s.buffer.Ack(seq)
}

// Pending yields the unacknowledged outputs in ascending sequence order, for
// replay to a newly attached consumer.
func (s *Session) Pending() []BufferedOutput {
	return s.buffer.ToSnapshot()
}

// Stop requests graceful termination by closing the agent's stdin. It does
// not wait for the exit; that is observed later through NextEvent returning
// ExitedEvent. Idempotent once exited.
func (s *Session) Stop() error {
	if _, ok := s.state.(Exited); ok {
		return nil
	}

	if err := s.conn.CloseInput(); err != nil {
		commErr := &CommError{Op: "stop", Err: err}
		s.queued = append(s.queued, commErr)
		return commErr
	}
	return nil
}

// Snapshot captures the session's recoverable state. It is a pure read of
// in-memory state with no side effects and never blocks on subprocess I/O.
func (s *Session) Snapshot() *Snapshot {
	var pending *PendingPermission
	if s.pending != nil {
		p := *s.pending
		pending = &p
	}

	_, exited := s.state.(Exited)
	return &Snapshot{
		ID:                s.id,
		Config:            s.cfg,
		PendingOutputs:    s.buffer.ToSnapshot(),
		PendingPermission: pending,
		LastActivity:      s.lastActivity,
		WasRunning:        !exited,
	}
}

// LastActivity returns the time of the most recent subprocess or caller
// interaction.
func (s *Session) LastActivity() time.Time {
	return s.lastActivity
}

// Close terminates the subprocess and releases all resources. Idempotent.
// No orphaned process survives a closed session.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopBranchWatcher()
	return s.conn.Close()
}

func (s *Session) stopBranchWatcher() {
	if s.branch != nil {
		s.branch.Close()
		s.branch = nil
	}
}
