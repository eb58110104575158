package agent

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

const (
	// scannerInitialBuf is the initial line buffer size.
	scannerInitialBuf = 1024 * 1024
	// scannerMaxBuf bounds a single protocol line.
	scannerMaxBuf = 10 * 1024 * 1024
)

// LineFilter reads newline-delimited output from the agent subprocess and
// yields only lines that can be protocol messages (lines starting with '{').
// Agents that crash or mis-detect a TTY emit ANSI escape sequences and
// terminal UI on stdout; those lines are logged at DEBUG and discarded so
// they do not poison the message stream.
type LineFilter struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
}

// NewLineFilter wraps r with a protocol line filter.
// If logger is nil, discarded lines are dropped silently.
func NewLineFilter(r io.Reader, logger *slog.Logger) *LineFilter {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, scannerInitialBuf)
	scanner.Buffer(buf, scannerMaxBuf)

	return &LineFilter{scanner: scanner, logger: logger}
}

// Next returns the next candidate protocol line, or io.EOF when the stream
// ends. The returned slice is only valid until the next call.
func (f *LineFilter) Next() ([]byte, error) {
	for f.scanner.Scan() {
		line := bytes.TrimSpace(f.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] == '{' {
			return line, nil
		}

		if f.logger != nil {
			logLine := string(line)
			if len(logLine) > 200 {
				logLine = logLine[:100] + "..." + logLine[len(logLine)-50:]
			}
			f.logger.Debug("filtered non-protocol line from agent stdout",
				"line", logLine,
				"length", len(line))
		}
	}

	if err := f.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
