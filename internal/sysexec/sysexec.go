// Package sysexec runs the external commands the mapper depends on
// (lsusb, aplay, udevadm) with a bounded execution time.
package sysexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single external command invocation.
const DefaultTimeout = 5 * time.Second

// ErrCommandNotFound indicates a required system command is not installed.
var ErrCommandNotFound = errors.New("required command not found")

// Executor handles safe execution of external commands with proper timeout.
type Executor struct {
	Timeout time.Duration
	Log     *slog.Logger
}

// New creates an executor with the default timeout.
func New(log *slog.Logger) *Executor {
	return &Executor{
		Timeout: DefaultTimeout,
		Log:     log,
	}
}

// Run executes a command with the executor's default timeout.
func (e *Executor) Run(ctx context.Context, command string, args ...string) (string, error) {
	return e.RunWithTimeout(ctx, e.Timeout, command, args...)
}

// RunWithTimeout executes a command with a specific timeout and returns its
// stdout. Stderr is folded into the returned error on failure.
func (e *Executor) RunWithTimeout(ctx context.Context, timeout time.Duration, command string, args ...string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Resolve the full path up front to avoid shell lookups at run time.
	cmdPath, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("command not found %s: %w", command, ErrCommandNotFound)
	}

	e.Log.Debug("executing command", "command", command, "args", args)
	cmd := exec.CommandContext(execCtx, cmdPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()

	if execCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s: %s %v", timeout, command, args)
	}

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return "", fmt.Errorf("command '%s %v' failed with exit code %d: %s",
				command, args, exitError.ExitCode(), stderr.String())
		}
		return "", fmt.Errorf("command '%s %v' failed: %s", command, args, stderr.String())
	}

	return stdout.String(), nil
}

// CheckCommands verifies that all required system commands are available.
func CheckCommands(commands ...string) error {
	var missing []string
	for _, cmd := range commands {
		if _, err := exec.LookPath(cmd); err != nil {
			missing = append(missing, cmd)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("required commands not found: %s: %w", strings.Join(missing, ", "), ErrCommandNotFound)
	}

	return nil
}
