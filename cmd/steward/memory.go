package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"steward/internal/memory"
)

func newMemoryCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Work with the long-term memory store",
		Long: `Memories are lessons, patterns and pitfalls the planner injects into future
task prompts. They decay over time unless retrieval reinforces them.`,
	}
	cmd.AddCommand(newMemoryAddCommand(c))
	cmd.AddCommand(newMemorySearchCommand(c))
	cmd.AddCommand(newMemoryListCommand(c))
	cmd.AddCommand(newMemoryCleanupCommand(c))
	return cmd
}

func (c *cli) memoryEngine() *memory.Engine {
	return memory.NewEngine(c.files, c.cfg.Memory, c.componentLogger("memory"))
}

func newMemoryAddCommand(c *cli) *cobra.Command {
	var (
		category   string
		confidence float64
		keywords   []string
	)
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Record a memory by hand",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			entry := &memory.Entry{
				Content:    strings.Join(args, " "),
				Category:   memory.Category(category),
				Confidence: confidence,
				Keywords:   keywords,
				Source:     memory.Source{Type: "manual"},
			}
			added, err := c.memoryEngine().Add(cmd.Context(), entry)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
				green("remembered"), bold(added.ID), gray(string(added.Category)))
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", string(memory.CategoryLesson), "pattern, lesson, preference, pitfall or tool")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.8, "How sure you are, 0 to 1")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "Keywords (extracted from the content when omitted)")
	return cmd
}

func newMemorySearchCommand(c *cli) *cobra.Command {
	var (
		top    int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve memories by association",
		Long: `Search combines keyword overlap with activation spreading across the
association graph, so related memories surface even without shared words.
Returned entries are reinforced, slowing their decay.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			query := strings.Join(args, " ")
			results := c.memoryEngine().AssociativeRetrieve(cmd.Context(), query, top)
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, results)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, gray("no matching memories"))
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(out, "%s %s %s %s\n",
					bold(fmt.Sprintf("%.2f", r.Score)),
					padANSI(cyan(string(r.Entry.Category)), string(r.Entry.Category), 10),
					gray(fmt.Sprintf("str=%3.0f", r.Strength)),
					clipLine(r.Entry.Content, 90))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "top", 5, "Maximum results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Machine-readable output")
	return cmd
}

func newMemoryListCommand(c *cli) *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories with their current strength",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			entries := c.memoryEngine().List(archived)
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, gray("no memories stored"))
				return nil
			}
			for _, e := range entries {
				marker := fmt.Sprintf("%3.0f", e.Strength)
				if e.Archived {
					marker = gray("arc")
				}
				fmt.Fprintf(out, "%s %s %s %s\n",
					marker,
					padANSI(cyan(string(e.Category)), string(e.Category), 10),
					gray(e.ID),
					clipLine(e.Content, 80))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived memories")
	return cmd
}

func newMemoryCleanupCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the forgetting thresholds now",
		Long: `Cleanup deletes memories whose strength fell below the delete threshold and
archives the ones below the archive threshold. The daemon runs this on its
own; the command exists for scripted maintenance.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			res, err := c.memoryEngine().Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, archived %d, deleted %d\n",
				res.Scanned, res.Archived, res.Deleted)
			return nil
		},
	}
}
