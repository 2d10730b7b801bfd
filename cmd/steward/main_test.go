package main

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/fatih/color"

	"steward/internal/runner"
	"steward/internal/task"
)

func TestMain(m *testing.M) {
	// Tests assert on plain text, so force colors off regardless of how the
	// test binary is attached.
	color.NoColor = true
	os.Exit(m.Run())
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"generic failure", errors.New("backend exploded"), exitFailure},
		{"bad arguments", usagef("missing description"), exitBadArgs},
		{"wrapped bad arguments", fmt.Errorf("create: %w", usagef("missing description")), exitBadArgs},
		{"unknown task", fmt.Errorf("task %s: %w", "task-123", task.ErrNotFound), exitNotFound},
		{"resume conflict", fmt.Errorf("guard: %w", runner.ErrResumeConflict), exitConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestUsageErrorUnwraps(t *testing.T) {
	inner := errors.New("unknown flag")
	var err error = &usageError{err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("usageError should unwrap to the inner error")
	}
	if err.Error() != "unknown flag" {
		t.Fatalf("Error() = %q, want the inner message", err.Error())
	}
}
