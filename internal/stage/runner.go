// Package stage executes single external-tool invocations with a hard
// wall-clock timeout. The runner holds no pipeline state: it reports what
// happened and leaves the fatal/advisory decision to the caller.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrTimeout is returned when a stage exceeds its wall-clock budget.
var ErrTimeout = errors.New("stage timed out")

// Command describes one external invocation.
type Command struct {
	Name    string        // stage label, for logs and error reporting
	Binary  string        // e.g. "colmap", "ffmpeg"
	Args    []string      // flat flag list produced by the profile resolver
	Dir     string        // per-job working directory
	Timeout time.Duration // hard wall-clock limit; 0 means no limit
}

// Result captures the outcome of one invocation. Stderr is kept because the
// external tools write their diagnostics there.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner invokes external tools. Implementations must not retry.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as isolated child processes via os/exec.
type ExecRunner struct{}

// Run executes cmd and waits for it to exit or hit its timeout. A non-zero
// exit or timeout is surfaced verbatim; the caller sees exactly one error
// per failed invocation.
func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Binary, cmd.Args...)
	c.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%s after %s: %w", cmd.Name, cmd.Timeout, ErrTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("%s: %s exited with code %d: %s", cmd.Name, cmd.Binary, res.ExitCode, tail(res.Stderr, 512))
		}
		res.ExitCode = -1
		return res, fmt.Errorf("%s: run %s: %w", cmd.Name, cmd.Binary, err)
	}
	return res, nil
}

// tail returns at most n trailing bytes of s, for compact error messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
