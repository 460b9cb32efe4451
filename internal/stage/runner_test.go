package stage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	r := ExecRunner{}
	res, err := r.Run(context.Background(), Command{
		Name:   "echo",
		Binary: "sh",
		Args:   []string{"-c", "echo out; echo diag >&2"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Stdout, "out") {
		t.Fatalf("stdout not captured: %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "diag") {
		t.Fatalf("stderr not captured: %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestRunSurfacesNonZeroExit(t *testing.T) {
	r := ExecRunner{}
	res, err := r.Run(context.Background(), Command{
		Name:   "boom",
		Binary: "sh",
		Args:   []string{"-c", "echo broken >&2; exit 3"},
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Fatalf("error should carry stderr tail: %v", err)
	}
}

func TestRunEnforcesTimeout(t *testing.T) {
	r := ExecRunner{}
	start := time.Now()
	_, err := r.Run(context.Background(), Command{
		Name:    "sleepy",
		Binary:  "sleep",
		Args:    []string{"5"},
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout not enforced promptly")
	}
}
