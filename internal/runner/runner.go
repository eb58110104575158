// Package runner provides restricted execution for agent subprocesses.
//
// By default agents run with no restrictions (exec runner). Users can opt in
// to sandboxing by configuring a restricted runner type (sandbox-exec,
// firejail, docker) with per-runner restrictions.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inercia/go-restricted-runner/pkg/common"
	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"
)

// Restrictions describes what a sandboxed agent process may access.
type Restrictions struct {
	// AllowNetworking controls outbound network access. Nil means the
	// runner's default.
	AllowNetworking *bool `yaml:"allow_networking,omitempty" json:"allow_networking,omitempty"`

	// AllowReadFolders lists folders the process may read. The literal
	// "${workdir}" expands to the session working directory.
	AllowReadFolders []string `yaml:"allow_read_folders,omitempty" json:"allow_read_folders,omitempty"`

	// AllowWriteFolders lists folders the process may write.
	AllowWriteFolders []string `yaml:"allow_write_folders,omitempty" json:"allow_write_folders,omitempty"`
}

// Config selects a runner type and its restrictions.
type Config struct {
	// Type is one of "exec", "sandbox-exec", "firejail", "docker".
	// Empty means "exec" (no restrictions).
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	Restrictions *Restrictions `yaml:"restrictions,omitempty" json:"restrictions,omitempty"`
}

// FallbackInfo records a fallback from a requested runner type to exec.
type FallbackInfo struct {
	RequestedType string
	FallbackType  string
	Reason        string
}

// Runner wraps go-restricted-runner for agent execution.
type Runner struct {
	runner       grrunner.Runner
	typ          string
	restrictions *Restrictions
	logger       *slog.Logger

	// FallbackInfo is set when the requested runner type was unavailable
	// and exec was used instead.
	FallbackInfo *FallbackInfo
}

// WriteCloser is an alias for io.WriteCloser for documentation clarity.
type WriteCloser = interface {
	Write(p []byte) (n int, err error)
	Close() error
}

// ReadCloser is an alias for io.ReadCloser for documentation clarity.
type ReadCloser = interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// New creates a runner for the given configuration. workingDir is used to
// expand "${workdir}" in folder restrictions. A nil config yields an
// unrestricted exec runner.
//
// If the requested runner type is unavailable on this platform, New falls
// back to exec and records the reason in FallbackInfo.
func New(cfg *Config, workingDir string, logger *slog.Logger) (*Runner, error) {
	runnerType := "exec"
	var restrictions *Restrictions
	if cfg != nil {
		if cfg.Type != "" {
			runnerType = cfg.Type
		}
		restrictions = expandRestrictions(cfg.Restrictions, workingDir)
	}

	options := toRunnerOptions(restrictions)

	runnerLogger, err := common.NewLogger("", "", common.LogLevelInfo, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner logger: %w", err)
	}

	r, err := grrunner.New(toRunnerType(runnerType), options, runnerLogger)

	var fallbackInfo *FallbackInfo
	if err == nil {
		err = r.CheckImplicitRequirements()
	}
	if err != nil {
		if logger != nil {
			logger.Warn("restricted runner not available, falling back to exec",
				"requested_type", runnerType,
				"error", err.Error())
		}
		fallbackInfo = &FallbackInfo{
			RequestedType: runnerType,
			FallbackType:  "exec",
			Reason:        err.Error(),
		}
		r, err = grrunner.New(grrunner.TypeExec, grrunner.Options{}, runnerLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback exec runner: %w", err)
		}
		runnerType = "exec"
	}

	return &Runner{
		runner:       r,
		typ:          runnerType,
		restrictions: restrictions,
		logger:       logger,
		FallbackInfo: fallbackInfo,
	}, nil
}

// Restrictions returns the expanded restrictions in effect, or nil for an
// unrestricted runner.
func (r *Runner) Restrictions() *Restrictions {
	return r.restrictions
}

// RunWithPipes starts a command through the runner with interactive pipes.
//
// The caller must close stdin when done writing and call wait() to clean up.
// Cancelling ctx kills the process.
func (r *Runner) RunWithPipes(
	ctx context.Context,
	command string,
	args []string,
	env []string,
) (stdin WriteCloser, stdout ReadCloser, stderr ReadCloser, wait func() error, err error) {
	return r.runner.RunWithPipes(ctx, command, args, env, nil)
}

// Type returns the runner type being used.
func (r *Runner) Type() string {
	return r.typ
}

// IsRestricted returns true if this runner applies restrictions (not exec).
func (r *Runner) IsRestricted() bool {
	return r.typ != "exec"
}

// expandRestrictions substitutes "${workdir}" in folder lists.
func expandRestrictions(in *Restrictions, workingDir string) *Restrictions {
	if in == nil {
		return nil
	}
	out := &Restrictions{AllowNetworking: in.AllowNetworking}
	for _, f := range in.AllowReadFolders {
		out.AllowReadFolders = append(out.AllowReadFolders, strings.ReplaceAll(f, "${workdir}", workingDir))
	}
	for _, f := range in.AllowWriteFolders {
		out.AllowWriteFolders = append(out.AllowWriteFolders, strings.ReplaceAll(f, "${workdir}", workingDir))
	}
	return out
}

// toRunnerOptions converts restrictions to go-restricted-runner options.
func toRunnerOptions(restrictions *Restrictions) grrunner.Options {
	options := grrunner.Options{}
	if restrictions == nil {
		return options
	}

	if restrictions.AllowNetworking != nil {
		options["allow_networking"] = *restrictions.AllowNetworking
	}
	if len(restrictions.AllowReadFolders) > 0 {
		options["allow_read_folders"] = restrictions.AllowReadFolders
	}
	if len(restrictions.AllowWriteFolders) > 0 {
		options["allow_write_folders"] = restrictions.AllowWriteFolders
	}
	return options
}

// toRunnerType converts a string to a runner.Type.
func toRunnerType(typeStr string) grrunner.Type {
	switch typeStr {
	case "sandbox-exec":
		return grrunner.TypeSandboxExec
	case "firejail":
		return grrunner.TypeFirejail
	case "docker":
		return grrunner.TypeDocker
	default:
		return grrunner.TypeExec
	}
}
