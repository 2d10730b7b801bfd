package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"steward/internal/config"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/observability"
	"steward/internal/queue"
	"steward/internal/runner"
	"steward/internal/scheduler"
	"steward/internal/session"
)

const (
	janitorInterval    = 15 * time.Second
	memorySweepEvery   = time.Hour
	pruneJobsOlderThan = 24 * time.Hour
)

func newDaemonCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler and housekeeping loop",
		Long: `The daemon is optional: tasks run fine without it. What it adds is the
cron scheduler for recurring templates, queue housekeeping, session expiry,
memory decay sweeps, live config reload and the Prometheus endpoint.

Run one daemon per data directory.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initializeAt(logging.LevelInfo); err != nil {
				return err
			}
			return runDaemon(cmd.Context(), c, cmd)
		},
	}
}

func runDaemon(ctx context.Context, c *cli, cmd *cobra.Command) error {
	logger := c.componentLogger("daemon")
	out := cmd.OutOrStdout()

	// Config edits picked up by the watcher apply to janitor sweeps without
	// a restart. Components wired at startup keep their original settings.
	var liveCfg atomic.Pointer[config.Config]
	cfg := c.cfg
	liveCfg.Store(&cfg)

	tracer, err := observability.NewTracer(ctx, c.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("daemon: tracer shutdown: %v", err)
		}
	}()

	metrics := observability.NewMetrics(c.componentLogger("metrics"))
	if c.cfg.Metrics.Enabled {
		if err := metrics.Serve(c.cfg.Metrics.Listen); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				logger.Warn("daemon: metrics shutdown: %v", err)
			}
		}()
		fmt.Fprintf(out, "metrics on %s/metrics\n", c.cfg.Metrics.Listen)
	}

	sessions := session.NewManager(c.files, c.cfg.Sessions, c.componentLogger("session"))
	if n := sessions.Load(); n > 0 {
		logger.Info("daemon: restored %d chat sessions", n)
	}
	defer sessions.Close()

	launch := func(taskID string) error {
		_, span := tracer.Start(ctx, observability.SpanTaskSpawn,
			attribute.String(observability.AttrTaskID, taskID))
		defer span.End()
		pid, err := runner.Spawn(c.tasks, c.cfg.DataDir, taskID, false)
		if err != nil {
			span.RecordError(err)
			return err
		}
		logger.Info("daemon: spawned runner pid %d for %s", pid, taskID)
		return nil
	}
	sched := scheduler.New(c.tasks, launch, c.componentLogger("scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	watcher, err := config.NewWatcher(c.cfgPath, logger, func(next config.Config) {
		liveCfg.Store(&next)
		logger.Info("daemon: config reloaded from %s", c.cfgPath)
	})
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("daemon: config watch unavailable: %v", err)
	}
	defer watcher.Stop()

	fmt.Fprintf(out, "%s data dir %s\n", green("daemon running"), c.cfg.DataDir)
	if templates := sched.Registered(); len(templates) > 0 {
		fmt.Fprintf(out, "cron templates: %d\n", len(templates))
	}

	janitor := time.NewTicker(janitorInterval)
	defer janitor.Stop()
	memorySweep := time.NewTicker(memorySweepEvery)
	defer memorySweep.Stop()

	c.janitorSweep(ctx, metrics, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon: shutting down")
			return nil
		case <-janitor.C:
			c.janitorSweep(ctx, metrics, logger)
		case <-memorySweep.C:
			// Thresholds come from the live config so edits apply without a
			// restart.
			eng := memory.NewEngine(c.files, liveCfg.Load().Memory, c.componentLogger("memory"))
			res, err := eng.Cleanup(ctx)
			if err != nil {
				logger.Warn("daemon: memory cleanup: %v", err)
			} else if res.Archived+res.Deleted > 0 {
				logger.Info("daemon: memory sweep archived %d, deleted %d", res.Archived, res.Deleted)
			}
		}
	}
}

// janitorSweep keeps the queue moving and the gauges current: due delayed
// jobs are promoted, old terminal jobs pruned, and queue plus task censuses
// pushed to the metrics registry.
func (c *cli) janitorSweep(ctx context.Context, metrics *observability.Metrics, logger logging.Logger) {
	if n, err := c.queue.PromoteDelayed(ctx); err != nil {
		logger.Warn("daemon: promote delayed jobs: %v", err)
	} else if n > 0 {
		logger.Debug("daemon: promoted %d delayed jobs", n)
	}
	if n, err := c.queue.PruneTerminal(ctx, pruneJobsOlderThan); err != nil {
		logger.Warn("daemon: prune terminal jobs: %v", err)
	} else if n > 0 {
		logger.Debug("daemon: pruned %d terminal jobs", n)
	}

	jobCounts := make(map[queue.Status]int)
	for _, j := range c.queue.List() {
		jobCounts[j.Status]++
	}
	for _, st := range []queue.Status{
		queue.StatusWaiting, queue.StatusActive, queue.StatusDelayed,
		queue.StatusHumanWaiting, queue.StatusCompleted, queue.StatusFailed,
	} {
		metrics.SetQueueDepth(string(st), jobCounts[st])
	}

	tasks, err := c.tasks.List()
	if err != nil {
		logger.Warn("daemon: task census: %v", err)
		return
	}
	taskCounts := make(map[string]int)
	for _, t := range tasks {
		taskCounts[string(t.Status)]++
	}
	metrics.SetTaskStates(taskCounts)
}
