package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"steward/internal/ids"
	"steward/internal/runner"
	"steward/internal/task"
)

func newCreateCommand(c *cli) *cobra.Command {
	var (
		title    string
		priority string
		assignee string
		schedule string
		cwd      string
		noRun    bool
	)
	cmd := &cobra.Command{
		Use:   "create <description>",
		Short: "Create a task and launch its runner",
		Long: `Create a task from a free-form description. Unless --no-run is given, a
detached runner starts immediately: it plans the workflow, executes it and
keeps going until the task reaches a terminal state.

With --schedule the task becomes a recurring template instead: it never runs
itself, the daemon clones it into a fresh task on every cron fire.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			description := strings.TrimSpace(strings.Join(args, " "))
			if description == "" {
				return usagef("description is empty")
			}
			if priority == "" {
				priority = c.cfg.Tasks.DefaultPriority
			}
			prio, err := task.ParsePriority(priority)
			if err != nil {
				return &usageError{err: err}
			}

			t := task.New(ids.NewTaskID(), title, description, prio)
			t.Source = "cli"
			t.Assignee = assignee
			t.ScheduleCron = schedule
			if cwd != "" {
				abs, err := filepath.Abs(cwd)
				if err != nil {
					return usagef("resolve --cwd: %v", err)
				}
				t.Metadata = map[string]string{"cwd": abs}
			}
			if err := c.tasks.Save(t); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if schedule != "" {
				fmt.Fprintf(out, "%s %s\n", green("template"), bold(t.ID))
				fmt.Fprintf(out, "cron %q registered; a running daemon fires it on schedule\n", schedule)
				return nil
			}

			fmt.Fprintf(out, "%s %s  %s\n", green("created"), bold(t.ID), gray(t.Title))
			if noRun {
				fmt.Fprintf(out, "start it later with %s\n", cyan("steward task resume "+t.ID))
				return nil
			}
			pid, err := runner.Spawn(c.tasks, c.cfg.DataDir, t.ID, false)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "runner started (pid %d); follow with %s\n", pid, cyan("steward task logs "+t.ID+" -f"))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Task title (derived from the description when empty)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Priority: low, medium or high")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Default persona executing task steps")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression turning this task into a recurring template")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory the code agent operates in")
	cmd.Flags().BoolVar(&noRun, "no-run", false, "Create the task without launching a runner")
	return cmd
}
