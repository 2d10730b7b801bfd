// Command steward turns free-form work descriptions into durable workflows
// executed by LLM code agents. It bundles the one-shot CLI, the hidden
// per-task runner entrypoint and the long-lived daemon in one binary so a
// spawned runner is always the same build as the process that spawned it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"steward/internal/runner"
	"steward/internal/task"
)

// Version is overridden by the release build via -ldflags.
var Version = "dev"

// Exit codes are a contract with scripts driving the CLI.
const (
	exitOK       = 0
	exitFailure  = 1
	exitBadArgs  = 2
	exitNotFound = 3
	exitConflict = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit code: 2 for argument
// mistakes, 3 for unknown tasks, 4 when a resume lost against a live runner,
// 1 for everything else.
func exitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage):
		return exitBadArgs
	case errors.Is(err, task.ErrNotFound):
		return exitNotFound
	case errors.Is(err, runner.ErrResumeConflict):
		return exitConflict
	default:
		return exitFailure
	}
}
