package hooks

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
}

func TestStartUpEmptyCommand(t *testing.T) {
	if p := StartUp(Hook{}, 8080, nil); p != nil {
		t.Fatal("empty hook should not start a process")
	}
}

func TestStartUpAndStop(t *testing.T) {
	skipOnWindows(t)

	marker := filepath.Join(t.TempDir(), "started")
	p := StartUp(Hook{Name: "tunnel", Command: "touch " + marker + " && sleep 60"}, 8080, nil)
	if p == nil {
		t.Fatal("hook did not start")
	}
	defer p.Stop()

	waitForFile(t, marker)
	p.Stop()
	// Stop is idempotent.
	p.Stop()
}

func TestPortSubstitution(t *testing.T) {
	skipOnWindows(t)

	out := filepath.Join(t.TempDir(), "port")
	RunDown(Hook{Command: "echo ${PORT} > " + out}, 9123, nil)

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("down hook did not run: %v", err)
	}
	if got := string(data); got != "9123\n" {
		t.Fatalf("port = %q, want 9123", got)
	}
}

func TestStopNil(t *testing.T) {
	var p *Process
	p.Stop()
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}
