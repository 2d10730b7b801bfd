// Package config loads the daemon configuration: defaults first, then the
// YAML file, then STEWARD_* environment overrides. Every value records where
// it came from so `steward config` style debugging stays possible.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValueSource identifies where a configuration value came from.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "env"
)

// Meta records the provenance of selected configuration keys.
type Meta struct {
	Path    string
	Sources map[string]ValueSource
}

func (m *Meta) set(key string, src ValueSource) {
	if m.Sources == nil {
		m.Sources = make(map[string]ValueSource)
	}
	m.Sources[key] = src
}

// Config is the full runtime configuration.
type Config struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Tasks    TasksConfig    `json:"tasks" yaml:"tasks"`
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Runner   RunnerConfig   `json:"runner" yaml:"runner"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	Sessions SessionsConfig `json:"sessions" yaml:"sessions"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// TasksConfig shapes task creation defaults.
type TasksConfig struct {
	DefaultPriority string `json:"default_priority" yaml:"default_priority"`
	MaxRetries      int    `json:"max_retries" yaml:"max_retries"`
	TimeoutMinutes  int    `json:"timeout_minutes" yaml:"timeout_minutes"`
}

// BackendConfig selects and tunes the LLM code-agent subprocess.
type BackendConfig struct {
	Type            string `json:"type" yaml:"type"`
	Binary          string `json:"binary" yaml:"binary"`
	Model           string `json:"model" yaml:"model"`
	MaxConcurrent   int    `json:"max_concurrent" yaml:"max_concurrent"`
	TimeoutMinutes  int    `json:"timeout_minutes" yaml:"timeout_minutes"`
	SkipPermissions bool   `json:"skip_permissions" yaml:"skip_permissions"`
}

// WorkerConfig tunes the dequeue loop.
type WorkerConfig struct {
	Concurrency    int `json:"concurrency" yaml:"concurrency"`
	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// QueueConfig tunes the cross-process queue lock.
type QueueConfig struct {
	LockTimeoutMs int `json:"lock_timeout_ms" yaml:"lock_timeout_ms"`
}

// RunnerConfig tunes the detached per-task runner.
type RunnerConfig struct {
	PollIntervalMs   int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	RecentActivityMs int `json:"recent_activity_ms" yaml:"recent_activity_ms"`
}

// NotifyConfig controls outbound notifications.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// MemoryConfig tunes the forgetting-curve engine.
type MemoryConfig struct {
	DefaultStabilityHours float64 `json:"default_stability_hours" yaml:"default_stability_hours"`
	MaxStabilityHours     float64 `json:"max_stability_hours" yaml:"max_stability_hours"`
	DefaultDecayRate      float64 `json:"default_decay_rate" yaml:"default_decay_rate"`
	ArchiveThreshold      float64 `json:"archive_threshold" yaml:"archive_threshold"`
	DeleteThreshold       float64 `json:"delete_threshold" yaml:"delete_threshold"`
	OverlapThreshold      float64 `json:"overlap_threshold" yaml:"overlap_threshold"`
}

// SessionsConfig tunes the chat session manager.
type SessionsConfig struct {
	Max            int `json:"max" yaml:"max"`
	TimeoutMinutes int `json:"timeout_minutes" yaml:"timeout_minutes"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Tasks: TasksConfig{
			DefaultPriority: "medium",
			MaxRetries:      3,
			TimeoutMinutes:  60,
		},
		Backend: BackendConfig{
			Type:            "claude",
			Binary:          "claude",
			MaxConcurrent:   5,
			TimeoutMinutes:  30,
			SkipPermissions: true,
		},
		Worker: WorkerConfig{
			Concurrency:    1,
			PollIntervalMs: 1000,
		},
		Queue: QueueConfig{
			LockTimeoutMs: 30000,
		},
		Runner: RunnerConfig{
			PollIntervalMs:   1000,
			RecentActivityMs: 60000,
		},
		Memory: MemoryConfig{
			DefaultStabilityHours: 24,
			MaxStabilityHours:     8760,
			DefaultDecayRate:      1.0,
			ArchiveThreshold:      10,
			DeleteThreshold:       5,
			OverlapThreshold:      0.3,
		},
		Sessions: SessionsConfig{
			Max:            100,
			TimeoutMinutes: 60,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			SampleRate:  1.0,
			ServiceName: "steward",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// DefaultDataDir is ~/.config/steward, falling back to the working directory
// when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".config", "steward")
}

// Load builds the configuration from defaults, the YAML file at path (missing
// file is fine), and environment overrides, in that order.
func Load(path string) (Config, Meta, error) {
	cfg := Default()
	meta := Meta{Path: path}

	if path != "" {
		applied, err := applyFile(&cfg, path)
		if err != nil {
			return Config{}, Meta{}, err
		}
		if applied {
			meta.set("config", SourceFile)
		}
	}
	applyEnv(&cfg, &meta)

	if err := cfg.Validate(); err != nil {
		return Config{}, Meta{}, err
	}
	return cfg, meta, nil
}

// applyFile merges the YAML file into cfg. The file may be a bare mapping or
// wrapped under a top-level "steward:" key. Decoding onto the defaulted cfg
// means absent keys keep their default values.
func applyFile(cfg *Config, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return false, nil
	}
	root := doc.Content[0]
	if sub := childNode(root, "steward"); sub != nil {
		root = sub
	}
	if err := root.Decode(cfg); err != nil {
		return false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return true, nil
}

func childNode(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func applyEnv(cfg *Config, meta *Meta) {
	if v := os.Getenv("STEWARD_DATA_DIR"); v != "" {
		cfg.DataDir = v
		meta.set("data_dir", SourceEnv)
	}
	if v := os.Getenv("STEWARD_BACKEND_TYPE"); v != "" {
		cfg.Backend.Type = v
		meta.set("backend.type", SourceEnv)
	}
	if v := os.Getenv("STEWARD_BACKEND_BINARY"); v != "" {
		cfg.Backend.Binary = v
		meta.set("backend.binary", SourceEnv)
	}
	if v := os.Getenv("STEWARD_BACKEND_MODEL"); v != "" {
		cfg.Backend.Model = v
		meta.set("backend.model", SourceEnv)
	}
	if v, ok := envInt("STEWARD_BACKEND_MAX_CONCURRENT"); ok {
		cfg.Backend.MaxConcurrent = v
		meta.set("backend.max_concurrent", SourceEnv)
	}
	if v, ok := envInt("STEWARD_WORKER_CONCURRENCY"); ok {
		cfg.Worker.Concurrency = v
		meta.set("worker.concurrency", SourceEnv)
	}
	if v, ok := envInt("STEWARD_POLL_INTERVAL_MS"); ok {
		cfg.Worker.PollIntervalMs = v
		cfg.Runner.PollIntervalMs = v
		meta.set("worker.poll_interval_ms", SourceEnv)
	}
	if v, ok := envInt("STEWARD_LOCK_TIMEOUT_MS"); ok {
		cfg.Queue.LockTimeoutMs = v
		meta.set("queue.lock_timeout_ms", SourceEnv)
	}
	if v := os.Getenv("STEWARD_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
		cfg.Notify.Enabled = true
		meta.set("notify.webhook_url", SourceEnv)
	}
	if v, ok := envInt("STEWARD_SESSIONS_MAX"); ok {
		cfg.Sessions.Max = v
		meta.set("sessions.max", SourceEnv)
	}
	if v, ok := envInt("STEWARD_SESSION_TIMEOUT_MINUTES"); ok {
		cfg.Sessions.TimeoutMinutes = v
		meta.set("sessions.timeout_minutes", SourceEnv)
	}
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	switch c.Tasks.DefaultPriority {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("config: tasks.default_priority must be low, medium or high, got %q", c.Tasks.DefaultPriority)
	}
	if c.Backend.MaxConcurrent <= 0 {
		return fmt.Errorf("config: backend.max_concurrent must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker.concurrency must be positive")
	}
	if c.Worker.PollIntervalMs <= 0 {
		return fmt.Errorf("config: worker.poll_interval_ms must be positive")
	}
	if c.Sessions.Max <= 0 {
		return fmt.Errorf("config: sessions.max must be positive")
	}
	return nil
}

// Duration accessors keep call sites free of unit arithmetic.

func (c TasksConfig) Timeout() time.Duration    { return time.Duration(c.TimeoutMinutes) * time.Minute }
func (c BackendConfig) Timeout() time.Duration  { return time.Duration(c.TimeoutMinutes) * time.Minute }
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
func (c QueueConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}
func (c RunnerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
func (c RunnerConfig) RecentActivity() time.Duration {
	return time.Duration(c.RecentActivityMs) * time.Millisecond
}
func (c SessionsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}
