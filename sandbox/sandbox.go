// Package sandbox runs model-requested shell commands under a compile-time
// whitelist, with per-chat working directory isolation and a hard timeout.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the wall-clock limit for one command.
const DefaultTimeout = 30 * time.Second

// allowedCommands is the whitelist of base commands the model may run.
// Everything here is read-only or writes only inside the work directory.
var allowedCommands = map[string]bool{
	"ls": true, "pwd": true, "whoami": true, "cat": true, "id": true,
	"uname": true, "hostname": true, "date": true, "uptime": true,
	"dig": true, "curl": true, "head": true, "tail": true, "wc": true,
	"grep": true, "echo": true, "env": true, "pandoc": true,
	"mkdir": true, "mktemp": true,
}

// allowedList is the sorted whitelist for error messages.
var allowedList = func() string {
	names := make([]string, 0, len(allowedCommands))
	for name := range allowedCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}()

// Result is the structured outcome of one command.
type Result struct {
	Success bool   `json:"success"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor validates and runs whitelisted commands. It serializes execution:
// exactly one command runs at a time across all sessions, bounding host load.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Allowed reports whether the command's base token is whitelisted.
func Allowed(command string) bool {
	return allowedCommands[baseCommand(command)]
}

// baseCommand extracts the first whitespace-delimited token.
func baseCommand(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Execute validates command against the whitelist and runs it via `sh -c`
// with the working directory set to workDir. Failures are reported inside
// the Result; the error return is reserved for the caller's context ending.
func (e *Executor) Execute(ctx context.Context, command, workDir string) Result {
	base := baseCommand(command)
	if !allowedCommands[base] {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("Command '%s' is not allowed. Allowed: %s", base, allowedList),
		}
	}

	// One command at a time, host-wide.
	e.mu.Lock()
	defer e.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = workDir
	// Run the shell in its own process group so a timeout kills the whole
	// tree, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if e.logger != nil {
		e.logger.Debug("command finished", "base", base, "duration", time.Since(start), "error", err)
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("Command timed out after %d seconds", int(e.timeout.Seconds())),
		}
	}

	res := Result{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.Error = fmt.Sprintf("Exit code: %d", exitErr.ExitCode())
		} else {
			res.Error = err.Error()
		}
	}
	return res
}
