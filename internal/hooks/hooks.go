// Package hooks runs lifecycle commands around the Keeper server: an "up"
// command started when the server comes up (a tunnel, a notifier) and a
// "down" command run during shutdown.
package hooks

import (
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// Hook is one lifecycle command. ${PORT} in the command is replaced with the
// server's listen port.
type Hook struct {
	// Name identifies the hook in logs. Empty defaults to the phase name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Command is passed to `sh -c`. Empty disables the hook.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
}

func (h Hook) displayName(fallback string) string {
	if h.Name != "" {
		return h.Name
	}
	return fallback
}

func expandCommand(command string, port int) string {
	return strings.ReplaceAll(command, "${PORT}", strconv.Itoa(port))
}

// Process is a running up hook. Safe for concurrent use.
type Process struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger
	mu     sync.Mutex
	done   bool
}

// StartUp starts the up hook asynchronously. The returned Process stops it
// during shutdown. Returns nil when the hook is empty or fails to start.
func StartUp(hook Hook, port int, logger *slog.Logger) *Process {
	if hook.Command == "" {
		return nil
	}

	name := hook.displayName("up")
	command := expandCommand(hook.Command, port)
	if logger != nil {
		logger.Info("starting up hook", "name", name, "command", command)
	}

	// A dedicated process group lets Stop terminate the whole command tree.
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{name: name, cmd: cmd, logger: logger}
	if err := cmd.Start(); err != nil {
		if logger != nil {
			logger.Error("up hook failed to start", "name", name, "error", err)
		}
		return nil
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()

		if logger == nil {
			return
		}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == -1 {
				// Killed during shutdown.
				logger.Debug("up hook stopped", "name", name)
				return
			}
			logger.Error("up hook exited with error", "name", name, "error", err)
			return
		}
		logger.Info("up hook completed", "name", name)
	}()

	return p
}

// Stop terminates the hook's process group if it is still running. Safe on a
// nil Process.
func (p *Process) Stop() {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.cmd.Process == nil {
		return
	}

	if pgid, err := syscall.Getpgid(p.cmd.Process.Pid); err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	} else {
		_ = p.cmd.Process.Kill()
	}

	if p.logger != nil {
		p.logger.Info("stopped up hook", "name", p.name)
	}
	p.done = true
}

// RunDown runs the down hook synchronously. Does nothing when empty.
func RunDown(hook Hook, port int, logger *slog.Logger) {
	if hook.Command == "" {
		return
	}

	name := hook.displayName("down")
	command := expandCommand(hook.Command, port)
	if logger != nil {
		logger.Info("running down hook", "name", name, "command", command)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if logger != nil {
			logger.Error("down hook failed", "name", name, "error", err)
		}
		return
	}
	if logger != nil {
		logger.Info("down hook completed", "name", name)
	}
}
