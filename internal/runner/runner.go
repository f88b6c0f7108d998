// Package runner executes verification and fix commands.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Result is the outcome of one command.
type Result struct {
	Command    string `json:"command"`
	OK         bool   `json:"ok"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// Runner runs a shell command with a timeout in an optional working directory.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration, cwd string) (Result, error)
}

// Failed builds the Result for a command that could not be run at all.
func Failed(command string, err error) Result {
	return Result{Command: command, ExitCode: -1, Stderr: err.Error()}
}

// TimeoutNote is appended to stderr when a command exceeds its deadline.
func TimeoutNote(timeout time.Duration) string {
	return fmt.Sprintf("command timed out after %s", timeout)
}

// Shell runs commands through a local shell.
type Shell struct {
	// Binary is the shell executable; defaults to sh.
	Binary string
	// Allowlist restricts the first word of a command when non-empty.
	Allowlist []string

	Logger *slog.Logger
}

// NewShell creates a shell runner.
func NewShell(binary string, allowlist []string, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Shell{Binary: binary, Allowlist: allowlist, Logger: logger}
}

// Run executes command with "<shell> -c". A non-zero exit is reported in the
// Result, not as an error; errors mean the command never ran.
func (s *Shell) Run(ctx context.Context, command string, timeout time.Duration, cwd string) (Result, error) {
	if err := s.validate(command); err != nil {
		return Failed(command, err), err
	}

	binary := s.Binary
	if binary == "" {
		binary = "sh"
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, binary, "-c", command)
	cmd.Dir = cwd
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	res.DurationMs = time.Since(start).Milliseconds()

	var exitErr *exec.ExitError
	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, TimeoutNote(timeout))
	case err == nil:
		res.OK = true
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		s.Logger.Debug("command did not run", "command", command, "error", err)
		return Failed(command, err), fmt.Errorf("running %q: %w", command, err)
	}

	s.Logger.Debug("command finished", "command", command, "exit_code", res.ExitCode, "duration_ms", res.DurationMs)
	return res, nil
}

func (s *Shell) validate(command string) error {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}
	if len(s.Allowlist) == 0 {
		return nil
	}

	base := filepath.Base(parts[0])
	for _, allowed := range s.Allowlist {
		if base == allowed {
			return nil
		}
	}
	return fmt.Errorf("command not in allowlist: %s (allowed: %v)", base, s.Allowlist)
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}
