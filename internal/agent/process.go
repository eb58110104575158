package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/okapilab/keeper/internal/runner"
)

// SpawnOptions configures a new agent subprocess.
type SpawnOptions struct {
	// Command is an optional shell-quoted override for the agent command
	// line. Empty means DefaultCommand on PATH.
	Command string

	// WorkingDir is the directory the agent runs in. Must be absolute.
	WorkingDir string

	// Resume continues the agent's most recent conversation in WorkingDir
	// instead of starting a fresh one.
	Resume bool

	// Runner optionally sandboxes the subprocess. Nil means direct
	// execution.
	Runner *runner.Runner

	Logger *slog.Logger
}

// Process owns one agent subprocess and its protocol channel. The inbound
// side is a single reader goroutine feeding Messages; the outbound side is
// serialized writes to the subprocess stdin. The channel is closed after the
// final InboundExit unit.
type Process struct {
	cancel context.CancelFunc
	kill   func()
	wait   func() error
	stdin  runner.WriteCloser
	msgs   chan Inbound
	logger *slog.Logger

	writeMu     sync.Mutex
	stdinClosed bool

	closeOnce sync.Once
	closed    chan struct{}
}

// Spawn starts the agent subprocess and begins reading its output.
// On any error the partially constructed process is torn down; no orphaned
// subprocess or pipe survives a failed Spawn.
func Spawn(opts SpawnOptions) (*Process, error) {
	bin, args, err := BuildCommand(opts.Command, opts.Resume)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Process{
		cancel: cancel,
		msgs:   make(chan Inbound, 64),
		logger: opts.Logger,
		closed: make(chan struct{}),
	}

	var stdout runner.ReadCloser

	if opts.Runner != nil && opts.Runner.IsRestricted() {
		// Restricted runners do not support a working directory; the
		// sandbox restrictions define what the agent may touch.
		if opts.WorkingDir != "" && opts.Logger != nil {
			opts.Logger.Warn("working directory is not forwarded to restricted runners",
				"working_dir", opts.WorkingDir,
				"runner_type", opts.Runner.Type())
		}

		var stderr runner.ReadCloser
		p.stdin, stdout, stderr, p.wait, err = opts.Runner.RunWithPipes(ctx, bin, args, os.Environ())
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start agent through %s runner: %w", opts.Runner.Type(), err)
		}
		p.kill = cancel
		go p.drainStderr(stderr)
	} else {
		path, err := LookupBinary(bin)
		if err != nil {
			cancel()
			return nil, err
		}

		cmd := exec.CommandContext(ctx, path, args...)
		cmd.Dir = opts.WorkingDir

		stdinPipe, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("stdin pipe error: %w", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("stdout pipe error: %w", err)
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("stderr pipe error: %w", err)
		}

		if err := cmd.Start(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start agent: %w", err)
		}

		p.stdin = stdinPipe
		stdout = stdoutPipe
		p.wait = cmd.Wait
		p.kill = func() {
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		}
		go p.drainStderr(stderrPipe)
	}

	go p.readLoop(stdout)
	return p, nil
}

// Messages returns the inbound protocol stream. The channel delivers units
// in wire order, ends with exactly one InboundExit, then closes.
func (p *Process) Messages() <-chan Inbound {
	return p.msgs
}

// WriteInput sends one input submission to the agent.
func (p *Process) WriteInput(content json.RawMessage) error {
	data, err := encodeInput(content)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}
	return p.writeLine(data)
}

// WriteDecision sends one permission decision to the agent.
func (p *Process) WriteDecision(requestID string, d Decision) error {
	data, err := encodeDecision(requestID, d)
	if err != nil {
		return fmt.Errorf("failed to encode permission decision: %w", err)
	}
	return p.writeLine(data)
}

func (p *Process) writeLine(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.stdinClosed {
		return errors.New("agent stdin is closed")
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent failed: %w", err)
	}
	return nil
}

// CloseInput closes the agent's stdin, asking it to finish up and exit.
// Idempotent. Exit is observed later through the Messages channel.
func (p *Process) CloseInput() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	if err := p.stdin.Close(); err != nil {
		return fmt.Errorf("close agent stdin failed: %w", err)
	}
	return nil
}

// Close terminates the subprocess and releases all resources. Safe to call
// multiple times and safe to call while a reader is mid-poll.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.writeMu.Lock()
		if !p.stdinClosed {
			p.stdinClosed = true
			p.stdin.Close()
		}
		p.writeMu.Unlock()

		if p.kill != nil {
			p.kill()
		}
		p.cancel()
	})
	return nil
}

// readLoop is the single inbound reader. It classifies every line, reaps the
// subprocess on EOF, and emits the final exit unit.
func (p *Process) readLoop(stdout io.Reader) {
	filter := NewLineFilter(stdout, p.logger)
	for {
		line, err := filter.Next()
		if err != nil {
			break
		}
		if !p.deliver(classify(line)) {
			// Closed while delivering: reap and stop.
			p.wait()
			return
		}
	}

	code := 0
	if err := p.wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.deliver(Inbound{Kind: InboundExit, ExitCode: code, Received: time.Now()})
	close(p.msgs)
}

// deliver sends a unit unless the process was closed. Returns false once
// closed so the reader can stop without blocking forever.
func (p *Process) deliver(in Inbound) bool {
	select {
	case p.msgs <- in:
		return true
	case <-p.closed:
		return false
	}
}

// drainStderr forwards subprocess stderr to the log at DEBUG.
func (p *Process) drainStderr(stderr io.ReadCloser) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerMaxBuf)
	for scanner.Scan() {
		if p.logger != nil {
			p.logger.Debug("agent stderr", "line", scanner.Text())
		}
	}
}
