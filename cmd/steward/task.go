package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"steward/internal/events"
	"steward/internal/queue"
	"steward/internal/redact"
	"steward/internal/runner"
	"steward/internal/task"
	"steward/internal/workflow"
)

func newTaskCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and control tasks",
	}
	cmd.AddCommand(newTaskListCommand(c))
	cmd.AddCommand(newTaskGetCommand(c))
	cmd.AddCommand(newTaskLogsCommand(c))
	cmd.AddCommand(newTaskStopCommand(c))
	cmd.AddCommand(newTaskPauseCommand(c))
	cmd.AddCommand(newTaskResumeCommand(c))
	cmd.AddCommand(newTaskApproveCommand(c))
	return cmd
}

func newTaskListCommand(c *cli) *cobra.Command {
	var (
		statusFilter string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			var (
				tasks []*task.Task
				err   error
			)
			if statusFilter != "" {
				st := task.Status(statusFilter)
				if !st.IsValid() {
					return usagef("unknown status %q", statusFilter)
				}
				tasks, err = c.tasks.ListByStatus(st)
			} else {
				tasks, err = c.tasks.List()
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if tasks == nil {
					tasks = []*task.Task{}
				}
				return writeJSON(out, tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, gray("no tasks yet; run `steward create \"...\"` to start one"))
				return nil
			}
			fmt.Fprintf(out, "%-24s %-12s %-7s %-5s %s\n",
				bold("ID"), bold("STATUS"), bold("PRI"), bold("AGE"), bold("TITLE"))
			for _, t := range tasks {
				status := padANSI(colorStatus(t.Status), string(t.Status), 12)
				title := clipLine(t.Title, 60)
				if t.ScheduleCron != "" {
					title += " " + gray("(cron "+t.ScheduleCron+")")
				}
				fmt.Fprintf(out, "%-24s %s %-7s %-5s %s\n",
					t.ID, status, t.Priority, shortAge(t.CreatedAt), title)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Only tasks in this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Machine-readable output")
	return cmd
}

// taskDetail is the full machine-readable record for one task.
type taskDetail struct {
	*task.Task
	Process  *task.ProcessRecord `json:"process,omitempty"`
	Instance *workflow.Instance  `json:"instance,omitempty"`
	Stats    *events.Stats       `json:"stats,omitempty"`
}

func newTaskGetCommand(c *cli) *cobra.Command {
	var (
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			t, err := c.tasks.Get(args[0])
			if err != nil {
				return err
			}
			proc, _ := c.tasks.GetProcess(t.ID)
			inst := readInstance(c, t.ID)
			stats := readStats(c, t.ID)
			t.Metadata = redact.Map(t.Metadata)
			out := cmd.OutOrStdout()

			if asJSON {
				return writeJSON(out, taskDetail{Task: t, Process: proc, Instance: inst, Stats: stats})
			}

			fmt.Fprintf(out, "%s\n", bold(t.Title))
			fmt.Fprintf(out, "  %-10s %s\n", "id", t.ID)
			fmt.Fprintf(out, "  %-10s %s\n", "status", colorStatus(t.Status))
			fmt.Fprintf(out, "  %-10s %s\n", "priority", t.Priority)
			fmt.Fprintf(out, "  %-10s %s (%s ago)\n", "created", t.CreatedAt.Local().Format("2006-01-02 15:04"), shortAge(t.CreatedAt))
			fmt.Fprintf(out, "  %-10s %s ago\n", "updated", shortAge(t.UpdatedAt))
			if t.Assignee != "" {
				fmt.Fprintf(out, "  %-10s %s\n", "assignee", t.Assignee)
			}
			if t.ScheduleCron != "" {
				fmt.Fprintf(out, "  %-10s %s\n", "schedule", t.ScheduleCron)
			}
			if t.Source != "" {
				fmt.Fprintf(out, "  %-10s %s\n", "source", t.Source)
			}
			if t.RetryCount > 0 {
				fmt.Fprintf(out, "  %-10s %d\n", "retries", t.RetryCount)
			}
			if reason := t.Metadata["pauseReason"]; reason != "" && t.Status == task.StatusPaused {
				fmt.Fprintf(out, "  %-10s %s\n", "paused", reason)
			}

			switch {
			case proc.Alive():
				fmt.Fprintf(out, "  %-10s %s (pid %d, heartbeat %s ago)\n", "runner",
					green("running"), proc.PID, shortAge(proc.LastHeartbeat))
			case proc != nil && proc.Error != "":
				fmt.Fprintf(out, "  %-10s %s (%s)\n", "runner", red("stopped"), clipLine(proc.Error, 70))
			case proc != nil:
				fmt.Fprintf(out, "  %-10s stopped\n", "runner")
			}

			if inst != nil {
				done, total := resolvedNodes(inst)
				fmt.Fprintf(out, "  %-10s %d/%d nodes resolved (%s)\n", "workflow", done, total, inst.Status)
				if inst.Error != "" {
					fmt.Fprintf(out, "  %-10s %s\n", "error", red(clipLine(inst.Error, 70)))
				}
			}
			if stats != nil && stats.TotalCostUSD > 0 {
				fmt.Fprintf(out, "  %-10s $%.4f across %s\n", "cost",
					stats.TotalCostUSD, (time.Duration(stats.TotalDurationMs) * time.Millisecond).Round(time.Second))
			}
			if t.Output != "" {
				fmt.Fprintf(out, "\n%s\n%s\n", bold("Output"), strings.TrimSpace(t.Output))
			}

			if verbose {
				printNodeStates(out, inst)
				if doc, err := os.ReadFile(c.files.Layout().ResultFile(t.ID)); err == nil && len(doc) > 0 {
					fmt.Fprintf(out, "\n%s", renderMarkdown(string(doc)))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Machine-readable output")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Include node states and the rendered result document")
	return cmd
}

func printNodeStates(out io.Writer, inst *workflow.Instance) {
	if inst == nil || len(inst.NodeStates) == 0 {
		return
	}
	ids := make([]string, 0, len(inst.NodeStates))
	for id := range inst.NodeStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(out, "\n%s\n", bold("Nodes"))
	for _, id := range ids {
		st := inst.NodeStates[id]
		line := fmt.Sprintf("  %-20s %-8s", id, st.Status)
		if st.Attempts > 1 {
			line += fmt.Sprintf(" attempts=%d", st.Attempts)
		}
		if st.DurationMs > 0 {
			line += fmt.Sprintf(" %s", (time.Duration(st.DurationMs) * time.Millisecond).Round(time.Millisecond))
		}
		if st.Error != "" {
			line += " " + red(clipLine(st.Error, 50))
		}
		fmt.Fprintln(out, line)
	}
}

func newTaskLogsCommand(c *cli) *cobra.Command {
	var (
		follow       bool
		conversation bool
	)
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print a task's execution log",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			t, err := c.tasks.Get(args[0])
			if err != nil {
				return err
			}
			path := c.files.Layout().ExecutionLog(t.ID)
			if conversation {
				path = c.files.Layout().ConversationLog(t.ID)
			}
			return tailFile(cmd.Context(), c, t.ID, path, cmd.OutOrStdout(), follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines as they arrive")
	cmd.Flags().BoolVar(&conversation, "conversation", false, "Show the agent conversation instead of the event log")
	return cmd
}

// tailFile prints the file and, with follow set, keeps polling for appended
// bytes until interrupted or the task settles with nothing left to print.
func tailFile(ctx context.Context, c *cli, taskID, path string, out io.Writer, follow bool) error {
	if !follow {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			fmt.Fprintln(out, gray("(no log lines yet)"))
			return nil
		}
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	var offset int64
	for {
		n, err := copyFrom(path, offset, out)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		offset += n

		if n == 0 {
			if t, err := c.tasks.Get(taskID); err == nil && t.Status.IsTerminal() {
				fmt.Fprintf(out, "%s\n", gray(fmt.Sprintf("-- task %s --", t.Status)))
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func copyFrom(path string, offset int64, out io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(out, f)
}

func newTaskStopCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Cancel a task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			return cancelTask(cmd, c, args[0])
		},
	}
}

// cancelTask is shared by `task stop` and approval rejection. A live runner
// observes the cancelled status and winds itself down; without one the
// queued jobs are removed here so they cannot be picked up later.
func cancelTask(cmd *cobra.Command, c *cli, id string) error {
	out := cmd.OutOrStdout()
	t, err := c.tasks.Get(id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		fmt.Fprintf(out, "task %s is already %s\n", id, colorStatus(t.Status))
		return nil
	}
	if _, err := c.tasks.Transition(id, task.StatusCancelled); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", red("cancelled"), id)

	proc, _ := c.tasks.GetProcess(id)
	if proc.Alive() {
		fmt.Fprintf(out, "runner (pid %d) will stop shortly\n", proc.PID)
		return nil
	}
	if inst := readInstance(c, id); inst != nil {
		if n, err := c.queue.RemoveByInstance(cmd.Context(), inst.ID); err == nil && n > 0 {
			fmt.Fprintf(out, "removed %d queued job(s)\n", n)
		}
	}
	return nil
}

func newTaskPauseCommand(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a developing task",
		Long: `Ask the runner to pause. In-flight agent calls drain to completion and no
new workflow nodes start until the task is resumed.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			opts := []task.TransitionOption{}
			if reason != "" {
				opts = append(opts, task.WithMetadata("pauseReason", reason))
			}
			if _, err := c.tasks.Transition(args[0], task.StatusPaused, opts...); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", yellow("paused"), args[0])
			fmt.Fprintf(out, "resume with %s\n", cyan("steward task resume "+args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task is paused (recorded on the task)")
	return cmd
}

func newTaskResumeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused or interrupted task",
		Long: `Resume picks up wherever the task stopped: a paused task continues with its
existing runner when one is alive, otherwise a fresh runner process takes
over the persisted instance. Completed nodes are never re-executed.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			id := args[0]
			t, err := c.tasks.Get(id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			proc, _ := c.tasks.GetProcess(id)
			alive := proc.Alive()

			if t.Status.IsTerminal() {
				return fmt.Errorf("task %s is already %s", id, t.Status)
			}
			if t.Status == task.StatusPaused {
				// Unpause before any spawn: a resumed runner that still sees
				// paused would immediately drain again.
				if _, err := c.tasks.Transition(id, task.StatusDeveloping); err != nil {
					return err
				}
				if alive {
					fmt.Fprintf(out, "%s %s\n", green("resumed"), id)
					fmt.Fprintf(out, "runner (pid %d) picks the work back up\n", proc.PID)
					return nil
				}
			} else if alive {
				fmt.Fprintf(out, "runner already active (pid %d); nothing to do\n", proc.PID)
				return nil
			}

			resume := t.Status != task.StatusPending
			pid, err := runner.Spawn(c.tasks, c.cfg.DataDir, id, resume)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s (pid %d)\n", green("runner started"), id, pid)
			return nil
		},
	}
}

func newTaskApproveCommand(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Decide a task's pending approval gate",
		Long: `A human workflow node parks its job until someone decides. Approving
releases the parked job(s) and execution continues; rejecting cancels the
task.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			id := args[0]
			t, err := c.tasks.Get(id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			inst := readInstance(c, id)
			if inst == nil {
				fmt.Fprintln(out, "no workflow instance yet; nothing to approve")
				return nil
			}
			var gates []queue.Job
			for _, j := range c.queue.ListByStatus(queue.StatusHumanWaiting) {
				if j.InstanceID == inst.ID {
					gates = append(gates, j)
				}
			}
			if len(gates) == 0 {
				fmt.Fprintln(out, "nothing waiting for approval")
				return nil
			}

			var wf workflow.Workflow
			c.files.ReadJSON(c.files.Layout().WorkflowFile(id), &wf)
			fmt.Fprintf(out, "%s %s\n", bold(t.Title), gray("("+id+")"))
			for _, j := range gates {
				label := j.NodeID
				if n, ok := wf.Node(j.NodeID); ok {
					if n.Name != "" {
						label = n.Name
					}
					if n.Message != "" {
						label += ": " + n.Message
					}
				}
				fmt.Fprintf(out, "  %s %s\n", yellow("waiting"), label)
			}

			approve := yes
			if !yes {
				if !isTTY() {
					return usagef("no interactive terminal; pass --yes to approve")
				}
				prompt := promptui.Select{
					Label: fmt.Sprintf("Release %d gated node(s)", len(gates)),
					Items: []string{"Approve and continue", "Reject and cancel the task"},
				}
				idx, _, err := prompt.Run()
				if err != nil {
					return err
				}
				approve = idx == 0
			}

			if !approve {
				return cancelTask(cmd, c, id)
			}
			n, err := c.queue.ResumeWaitingForInstance(cmd.Context(), inst.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s released %d job(s)\n", green("approved"), n)
			if proc, _ := c.tasks.GetProcess(id); !proc.Alive() {
				fmt.Fprintf(out, "no live runner; start one with %s\n", cyan("steward task resume "+id))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve without prompting")
	return cmd
}

func readInstance(c *cli, taskID string) *workflow.Instance {
	var inst workflow.Instance
	if !c.files.ReadJSON(c.files.Layout().InstanceFile(taskID), &inst) || inst.ID == "" {
		return nil
	}
	return &inst
}

func readStats(c *cli, taskID string) *events.Stats {
	var st events.Stats
	if !c.files.ReadJSON(c.files.Layout().StatsFile(taskID), &st) || st.InstanceID == "" {
		return nil
	}
	return &st
}

func resolvedNodes(inst *workflow.Instance) (done, total int) {
	for _, st := range inst.NodeStates {
		total++
		if st.Status.Resolved() {
			done++
		}
	}
	return done, total
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
