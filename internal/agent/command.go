package agent

import (
	"fmt"
	"os/exec"

	"github.com/google/shlex"
)

// DefaultCommand is the agent binary looked up on PATH when no override
// is configured.
const DefaultCommand = "claude"

// baseArgs puts the CLI into its framed stream-json mode: one JSON message
// per line on stdout, input submissions and permission decisions on stdin.
var baseArgs = []string{
	"--input-format", "stream-json",
	"--output-format", "stream-json",
	"--permission-prompt-tool", "stdio",
	"--verbose",
}

// BuildCommand resolves the agent binary and argument list.
//
// override, when non-empty, is a shell-quoted command line (e.g.
// "npx claude" or "/opt/claude --model sonnet"); it is tokenized with
// shell-aware quoting rules and the stream-json arguments are appended.
// When resume is true the agent continues its most recent conversation in
// the working directory instead of starting a fresh one.
func BuildCommand(override string, resume bool) (bin string, args []string, err error) {
	if override != "" {
		parts, err := shlex.Split(override)
		if err != nil {
			return "", nil, fmt.Errorf("failed to parse agent command %q: %w", override, err)
		}
		if len(parts) == 0 {
			return "", nil, fmt.Errorf("empty agent command")
		}
		bin = parts[0]
		args = parts[1:]
	} else {
		bin = DefaultCommand
	}

	args = append(args, baseArgs...)
	if resume {
		args = append(args, "--continue")
	}
	return bin, args, nil
}

// LookupBinary resolves bin on the search path. It exists so spawn failures
// for a missing binary are reported before the process is forked.
func LookupBinary(bin string) (string, error) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("agent binary %q not found: %w", bin, err)
	}
	return path, nil
}
