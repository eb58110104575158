package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/okapilab/keeper/internal/agent"
)

// fakeConn is an in-memory subprocess connection for driving a Session
// without spawning anything.
type fakeConn struct {
	msgs      chan agent.Inbound
	inputs    []json.RawMessage
	decisions []fakeDecision
	writeErr  error

	inputClosed bool
	closed      bool
}

type fakeDecision struct {
	requestID string
	decision  agent.Decision
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan agent.Inbound, 16)}
}

func (f *fakeConn) Messages() <-chan agent.Inbound { return f.msgs }

func (f *fakeConn) WriteInput(content json.RawMessage) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.inputs = append(f.inputs, content)
	return nil
}

func (f *fakeConn) WriteDecision(requestID string, d agent.Decision) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.decisions = append(f.decisions, fakeDecision{requestID: requestID, decision: d})
	return nil
}

func (f *fakeConn) CloseInput() error {
	f.inputClosed = true
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func (f *fakeConn) output(content string) {
	f.msgs <- agent.Inbound{
		Kind:     agent.InboundOutput,
		Content:  json.RawMessage(content),
		Received: time.Now(),
	}
}

func (f *fakeConn) permission(requestID, tool string) {
	f.msgs <- agent.Inbound{
		Kind: agent.InboundPermission,
		Request: &agent.PermissionRequest{
			RequestID: requestID,
			ToolName:  tool,
			Input:     json.RawMessage(`{"command":"ls"}`),
		},
		Received: time.Now(),
	}
}

func (f *fakeConn) exit(code int) {
	f.msgs <- agent.Inbound{Kind: agent.InboundExit, ExitCode: code, Received: time.Now()}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		SessionID:   "sess-1",
		WorkingDir:  t.TempDir(),
		Name:        "test",
		BufferLimit: 100,
	}
}

func newTestSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	s := build(testConfig(t), fc, Options{PollTimeout: 10 * time.Millisecond})
	t.Cleanup(func() { s.Close() })
	return s, fc
}

func TestNextEventOutput(t *testing.T) {
	s, fc := newTestSession(t)
	fc.output(`{"type":"assistant","message":{}}`)

	ev := s.NextEvent()
	out, ok := ev.(OutputEvent)
	if !ok {
		t.Fatalf("event = %T, want OutputEvent", ev)
	}
	if out.Seq != 0 {
		t.Fatalf("seq = %d, want 0", out.Seq)
	}
	if pending := s.Pending(); len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1", len(pending))
	}
}

func TestNextEventIdle(t *testing.T) {
	s, _ := newTestSession(t)

	start := time.Now()
	if ev := s.NextEvent(); ev != nil {
		t.Fatalf("event = %v, want nil", ev)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("idle poll took %v, want prompt return", elapsed)
	}
}

func TestPermissionFlow(t *testing.T) {
	s, fc := newTestSession(t)
	fc.permission("req-1", "Bash")

	ev := s.NextEvent()
	pe, ok := ev.(PermissionRequestEvent)
	if !ok {
		t.Fatalf("event = %T, want PermissionRequestEvent", ev)
	}
	if pe.Request.RequestID != "req-1" || pe.Request.ToolName != "Bash" {
		t.Fatalf("unexpected request: %+v", pe.Request)
	}
	if st, ok := s.State().(WaitingForPermission); !ok || st.RequestID != "req-1" {
		t.Fatalf("state = %v, want waiting on req-1", s.State())
	}

	var invalid *InvalidPermissionError
	if err := s.RespondPermission("req-stale", agent.Decision{Allow: true}); !errors.As(err, &invalid) {
		t.Fatalf("stale respond error = %v, want InvalidPermissionError", err)
	}
	if invalid.RequestID != "req-stale" {
		t.Fatalf("error request id = %q, want req-stale", invalid.RequestID)
	}

	if err := s.RespondPermission("req-1", agent.Decision{Allow: true}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if _, ok := s.State().(Running); !ok {
		t.Fatalf("state after respond = %v, want running", s.State())
	}
	if s.PendingPermission() != nil {
		t.Fatal("pending permission should be cleared")
	}
	if len(fc.decisions) != 1 || fc.decisions[0].requestID != "req-1" {
		t.Fatalf("decisions = %+v, want one for req-1", fc.decisions)
	}
}

func TestRespondPermissionWhenRunning(t *testing.T) {
	s, _ := newTestSession(t)

	var invalid *InvalidPermissionError
	if err := s.RespondPermission("req-1", agent.Decision{Allow: true}); !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidPermissionError", err)
	}
}

func TestSecondPermissionIsProtocolViolation(t *testing.T) {
	s, fc := newTestSession(t)
	fc.permission("req-1", "Bash")
	if _, ok := s.NextEvent().(PermissionRequestEvent); !ok {
		t.Fatal("expected permission event")
	}

	fc.permission("req-2", "Write")
	ev := s.NextEvent()
	if _, ok := ev.(ErrorEvent); !ok {
		t.Fatalf("event = %T, want ErrorEvent", ev)
	}

	// First request stays in force.
	if st, ok := s.State().(WaitingForPermission); !ok || st.RequestID != "req-1" {
		t.Fatalf("state = %v, want waiting on req-1", s.State())
	}
	if err := s.RespondPermission("req-1", agent.Decision{Allow: false, Message: "no"}); err != nil {
		t.Fatalf("respond to first request: %v", err)
	}
}

func TestExitDeliveredOnce(t *testing.T) {
	s, fc := newTestSession(t)
	fc.exit(3)

	ev := s.NextEvent()
	ee, ok := ev.(ExitedEvent)
	if !ok {
		t.Fatalf("event = %T, want ExitedEvent", ev)
	}
	if ee.Code != 3 {
		t.Fatalf("exit code = %d, want 3", ee.Code)
	}
	if s.IsRunning() {
		t.Fatal("session should not be running after exit")
	}

	for i := 0; i < 3; i++ {
		if ev := s.NextEvent(); ev != nil {
			t.Fatalf("post-exit event = %v, want nil", ev)
		}
	}
}

func TestOperationsAfterExit(t *testing.T) {
	s, fc := newTestSession(t)
	fc.exit(1)
	if _, ok := s.NextEvent().(ExitedEvent); !ok {
		t.Fatal("expected exit event")
	}

	var exited *ExitedError
	if err := s.SendInput(json.RawMessage(`"hi"`)); !errors.As(err, &exited) {
		t.Fatalf("SendInput error = %v, want ExitedError", err)
	}
	if exited.Code != 1 {
		t.Fatalf("exit code in error = %d, want 1", exited.Code)
	}
	if err := s.RespondPermission("req-1", agent.Decision{}); !errors.As(err, &exited) {
		t.Fatalf("RespondPermission error = %v, want ExitedError", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop after exit = %v, want nil", err)
	}
}

func TestSendInputForwarded(t *testing.T) {
	s, fc := newTestSession(t)

	if err := s.SendInput(json.RawMessage(`"run the tests"`)); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if len(fc.inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(fc.inputs))
	}
}

func TestCommErrorSurfacesAsEvent(t *testing.T) {
	s, fc := newTestSession(t)
	fc.writeErr = errors.New("broken pipe")

	err := s.SendInput(json.RawMessage(`"hi"`))
	var comm *CommError
	if !errors.As(err, &comm) {
		t.Fatalf("error = %v, want CommError", err)
	}

	ev := s.NextEvent()
	ee, ok := ev.(ErrorEvent)
	if !ok {
		t.Fatalf("event = %T, want ErrorEvent", ev)
	}
	if !errors.As(ee.Err, &comm) {
		t.Fatalf("event error = %v, want CommError", ee.Err)
	}
}

func TestStopClosesInput(t *testing.T) {
	s, fc := newTestSession(t)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !fc.inputClosed {
		t.Fatal("Stop should close agent input")
	}
}

func TestCloseIdempotent(t *testing.T) {
	s, fc := newTestSession(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fc.closed {
		t.Fatal("Close should close the connection")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSnapshotCapturesState(t *testing.T) {
	s, fc := newTestSession(t)
	fc.output(`{"type":"assistant"}`)
	fc.output(`{"type":"assistant"}`)
	s.NextEvent()
	s.NextEvent()
	s.Ack(0)
	fc.permission("req-9", "Write")
	s.NextEvent()

	snap := s.Snapshot()
	if snap.ID != s.ID() {
		t.Fatalf("snapshot id = %q, want %q", snap.ID, s.ID())
	}
	if len(snap.PendingOutputs) != 1 || snap.PendingOutputs[0].Seq != 1 {
		t.Fatalf("pending outputs = %+v, want seq 1 only", snap.PendingOutputs)
	}
	if snap.PendingPermission == nil || snap.PendingPermission.RequestID != "req-9" {
		t.Fatalf("pending permission = %+v, want req-9", snap.PendingPermission)
	}
	if snap.Config.BufferLimit != s.Config().BufferLimit {
		t.Fatal("snapshot must carry the session config")
	}

	// Mutating the copy must not touch session state.
	snap.PendingPermission.RequestID = "mutated"
	if s.PendingPermission().RequestID != "req-9" {
		t.Fatal("snapshot shares pending permission with session")
	}
}

func TestSnapshotRecordsWasRunning(t *testing.T) {
	s, fc := newTestSession(t)
	if !s.Snapshot().WasRunning {
		t.Fatal("live session should snapshot as running")
	}

	fc.exit(0)
	s.NextEvent()
	if s.Snapshot().WasRunning {
		t.Fatal("exited session should not snapshot as running")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{}, Options{})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNewSpawnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.ClaudePath = "/nonexistent/agent-binary-for-test"

	_, err := New(cfg, Options{})
	var spawn *SpawnError
	if !errors.As(err, &spawn) {
		t.Fatalf("error = %v, want SpawnError", err)
	}
}

func TestRestoreSpawnFailureKeepsSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.ClaudePath = "/nonexistent/agent-binary-for-test"
	snap := &Snapshot{
		ID:     cfg.SessionID,
		Config: cfg,
		PendingOutputs: []BufferedOutput{
			{Seq: 4, Content: json.RawMessage(`{}`), Timestamp: time.Now()},
		},
	}

	_, err := Restore(snap, Options{})
	var spawn *SpawnError
	if !errors.As(err, &spawn) {
		t.Fatalf("error = %v, want SpawnError", err)
	}
	if len(snap.PendingOutputs) != 1 {
		t.Fatal("failed restore must leave the snapshot intact")
	}
}

func TestNewResumeSpawnsWithContinue(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	argsFile := filepath.Join(t.TempDir(), "args")
	script := filepath.Join(t.TempDir(), "agent.sh")
	body := "#!/bin/sh\necho \"$@\" > " + argsFile + "\ncat\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.ClaudePath = script
	cfg.Resume = true
	s, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(argsFile)
		if err == nil && strings.Contains(string(data), "--continue") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent args = %q, want --continue", data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRestoreMarksResume(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	cfg := testConfig(t)
	cfg.ClaudePath = "sh -c cat"
	snap := &Snapshot{ID: cfg.SessionID, Config: cfg, WasRunning: true}

	s, err := Restore(snap, Options{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer s.Close()

	// Snapshots taken after a restore must respawn with --continue again.
	if !s.Snapshot().Config.Resume {
		t.Fatal("restored session should carry the resume flag forward")
	}
}

func TestRestoreNil(t *testing.T) {
	if _, err := Restore(nil, Options{}); err == nil {
		t.Fatal("expected error for nil snapshot")
	}
}
