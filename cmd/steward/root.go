package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"steward/internal/config"
	"steward/internal/logging"
	"steward/internal/queue"
	"steward/internal/redact"
	"steward/internal/store"
	"steward/internal/task"
)

// usageError marks argument mistakes so main exits with the bad-args code.
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// exactArgs mirrors cobra.ExactArgs but reports a usage error, so scripts
// can distinguish "you called it wrong" from "it failed".
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usagef("%s expects at least %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

// cli holds the persistent flag values and the stores shared by every
// subcommand. Stores are opened lazily from RunE so help and completion
// never touch the data directory.
type cli struct {
	dataDirFlag string
	configFlag  string
	debug       bool

	cfg     config.Config
	meta    config.Meta
	cfgPath string
	level   logging.Level
	files   *store.Store
	tasks   *task.Store
	queue   *queue.Queue
}

// initialize loads configuration and opens the shared stores. One-shot
// commands log at warn so their stdout stays clean; the daemon and runner
// pass info.
func (c *cli) initialize() error {
	return c.initializeAt(logging.LevelWarn)
}

func (c *cli) initializeAt(level logging.Level) error {
	dataDir := c.dataDirFlag
	if dataDir == "" {
		dataDir = os.Getenv("STEWARD_DATA_DIR")
	}
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	cfgPath := c.configFlag
	if cfgPath == "" {
		cfgPath = store.NewLayout(dataDir).ConfigFile()
	}
	cfg, meta, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if c.dataDirFlag != "" {
		// The flag wins over both the config file and STEWARD_DATA_DIR.
		cfg.DataDir = c.dataDirFlag
	}
	c.cfg = cfg
	c.meta = meta
	c.cfgPath = cfgPath

	c.level = level
	if env := os.Getenv("STEWARD_LOG_LEVEL"); env != "" {
		c.level = logging.ParseLevel(env)
	}
	if c.debug {
		c.level = logging.LevelDebug
	}

	files, err := store.New(cfg.DataDir, c.componentLogger("store"))
	if err != nil {
		return err
	}
	c.files = files
	c.tasks = task.NewStore(files, c.componentLogger("task"))
	c.queue = queue.New(files, cfg.Queue.LockTimeout(), c.componentLogger("queue"))
	return nil
}

func (c *cli) componentLogger(name string) logging.Logger {
	return logging.NewWriterLogger(name, os.Stderr, c.level)
}

// NewRootCommand builds the steward command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "Durable task orchestrator for LLM code agents",
		Long: fmt.Sprintf(`%s

steward turns a one-line description into a workflow a code agent executes
step by step, surviving restarts, pauses and approval gates along the way.
Tasks run in detached processes; the optional daemon adds cron schedules,
queue housekeeping and metrics.

%s
  steward create "refactor the billing module"
  steward create "nightly dependency audit" --schedule "0 3 * * *"
  steward task list --status developing
  steward task logs task-1a2b3c -f
  steward task approve task-1a2b3c
  steward daemon`,
			bold("steward "+Version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&c.dataDirFlag, "data-dir", "", "Data directory (default $STEWARD_DATA_DIR or ~/.config/steward)")
	rootCmd.PersistentFlags().StringVar(&c.configFlag, "config", "", "Config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "Debug logging")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	rootCmd.AddCommand(newCreateCommand(c))
	rootCmd.AddCommand(newTaskCommand(c))
	rootCmd.AddCommand(newMemoryCommand(c))
	rootCmd.AddCommand(newConfigCommand(c))
	rootCmd.AddCommand(newDaemonCommand(c))
	rootCmd.AddCommand(newRunnerCommand(c))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// newConfigCommand prints the effective configuration with provenance, the
// fastest way to answer "which file did the daemon actually read". Webhook
// URLs carry their credential in the path and are masked.
func newConfigCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.initialize(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", gray("# config file:"), c.cfgPath)
			for key, src := range c.meta.Sources {
				fmt.Fprintf(out, "%s %s from %s\n", gray("#"), key, src)
			}
			display := c.cfg
			display.Notify.WebhookURL = redact.URL(display.Notify.WebhookURL)
			enc, err := yaml.Marshal(display)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = out.Write(enc)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "steward %s\n", Version)
		},
	}
}
