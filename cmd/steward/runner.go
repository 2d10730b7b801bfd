package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"steward/internal/backend"
	"steward/internal/events"
	"steward/internal/failurekb"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/notify"
	"steward/internal/observability"
	"steward/internal/runner"
)

// newRunnerCommand is the hidden entrypoint Spawn launches in a detached
// process. It is not meant for humans, but invoking it by hand is a fine way
// to watch one task execute in the foreground.
func newRunnerCommand(c *cli) *cobra.Command {
	var (
		taskID string
		resume bool
	)
	cmd := &cobra.Command{
		Use:    "runner",
		Hidden: true,
		Short:  "Drive one task to a terminal state",
		Args:   exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return usagef("--task is required")
			}
			if err := c.initializeAt(logging.LevelInfo); err != nil {
				return err
			}
			return runTask(cmd.Context(), c, taskID, resume)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Task id to execute")
	cmd.Flags().BoolVar(&resume, "resume", false, "Pick up the persisted instance instead of planning fresh")
	return cmd
}

// runTask wires the full execution stack for one task: event bus, metrics,
// notifications, tracing, the agent backend, memory and the failure KB, then
// hands control to the runner until the task settles.
func runTask(ctx context.Context, c *cli, taskID string, resume bool) error {
	logger := c.componentLogger("runner")

	tracer, err := observability.NewTracer(ctx, c.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runner: tracer shutdown: %v", err)
		}
	}()

	bus := events.NewBus(c.componentLogger("events"))

	hub := notify.FromConfig(c.cfg.Notify, c.componentLogger("notify"))
	defer hub.Bind(bus)()

	metrics := observability.NewMetrics(c.componentLogger("metrics"))
	defer metrics.Bind(bus)()
	if c.cfg.Metrics.Enabled {
		// When the daemon is up it owns the listen address and this fails;
		// without one the runner itself becomes the scrape target.
		if err := metrics.Serve(c.cfg.Metrics.Listen); err != nil {
			logger.Debug("runner: metrics listener unavailable: %v", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = metrics.Shutdown(shutdownCtx)
			}()
		}
	}

	b, err := backend.New(c.cfg.Backend, c.componentLogger("backend"))
	if err != nil {
		return err
	}
	backends := backend.NewRegistry(b.Type())
	backends.Register(b)

	mem := memory.NewEngine(c.files, c.cfg.Memory, c.componentLogger("memory"))
	kb := failurekb.New(c.files, c.componentLogger("failurekb"))

	r := runner.New(c.cfg, c.files, c.tasks, c.queue, backends, bus, logger,
		runner.WithMemory(mem), runner.WithFailureKB(kb))

	runCtx, span := tracer.Start(ctx, observability.SpanTaskRun,
		attribute.String(observability.AttrTaskID, taskID),
		attribute.Bool(observability.AttrResume, resume))
	defer span.End()

	runErr := r.Run(runCtx, taskID, resume)
	if runErr != nil {
		span.RecordError(runErr)
	}
	if t, err := c.tasks.Get(taskID); err == nil {
		span.SetAttributes(attribute.String(observability.AttrStatus, string(t.Status)))
	}
	return runErr
}
