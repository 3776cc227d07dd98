// Package runner executes local commands on the target machine and captures
// their outcome. Every component that shells out (phase bodies, rollback undo
// commands, the resilience layer) goes through this package so exit codes and
// output are captured uniformly.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Command describes a single command invocation.
type Command struct {
	// Command is the program or shell line to run. If Args is empty the
	// command is run through the shell.
	Command string

	// Args are explicit arguments. When set, Command is executed directly
	// without a shell.
	Args []string

	// Shell overrides the shell used for shell-line execution (default /bin/sh).
	Shell string

	// UseSudo runs the command under sudo (NOPASSWD).
	UseSudo bool

	// WorkDir sets the working directory.
	WorkDir string

	// Env sets additional environment variables as key=value pairs.
	Env map[string]string

	// Timeout bounds the execution. Zero means no timeout beyond ctx.
	Timeout time.Duration
}

// Result captures the outcome of one command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Succeeded reports whether the command exited zero.
func (r *Result) Succeeded() bool {
	return r != nil && r.ExitCode == 0
}

// Runner runs commands. The interface exists so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Local runs commands on the local machine.
type Local struct{}

// NewLocal creates a local runner.
func NewLocal() *Local {
	return &Local{}
}

// Run executes the command and returns its captured result. A non-zero exit
// code is not an error at this level; callers decide what an exit code means.
// An error is returned only when the command could not be started or the
// context was cancelled.
func (l *Local) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	switch {
	case c.UseSudo && len(c.Args) > 0:
		cmd = exec.CommandContext(ctx, "sudo", append([]string{c.Command}, c.Args...)...)
	case c.UseSudo:
		cmd = exec.CommandContext(ctx, "sudo", shell, "-c", c.Command)
	case len(c.Args) > 0:
		cmd = exec.CommandContext(ctx, c.Command, c.Args...)
	default:
		cmd = exec.CommandContext(ctx, shell, "-c", c.Command)
	}

	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}

	if len(c.Env) > 0 {
		env := make([]string, 0, len(c.Env))
		for k, v := range c.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}
