// Package backend adapts an external LLM code-agent CLI into a uniform
// invoke interface. The daemon never talks to a model API directly; it
// spawns the agent binary and reads its stream-json output.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrorKind classifies how an invocation failed.
type ErrorKind string

const (
	// ErrTimeout: the subprocess was killed by the invocation timer.
	ErrTimeout ErrorKind = "timeout"
	// ErrCancelled: the caller's context was cancelled.
	ErrCancelled ErrorKind = "cancelled"
	// ErrProcess: the subprocess exited non-zero.
	ErrProcess ErrorKind = "process"
)

// Error is the normalized failure of one backend invocation. Message carries
// the stderr tail for process failures so retry classification can pattern
// match on it.
type Error struct {
	Kind     ErrorKind
	Message  string
	ExitCode int
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrTimeout:
		return fmt.Sprintf("backend timeout: %s", e.Message)
	case ErrCancelled:
		return fmt.Sprintf("backend cancelled: %s", e.Message)
	default:
		return fmt.Sprintf("backend process exited %d: %s", e.ExitCode, e.Message)
	}
}

// Options configures one invocation.
type Options struct {
	Prompt          string
	Cwd             string
	Model           string
	SessionID       string
	Stream          bool
	SkipPermissions bool
	DisableMcp      bool
	McpServers      []string
	Timeout         time.Duration
	OnChunk         func(text string)
	BackendType     string
}

// Result is the outcome of one successful invocation.
type Result struct {
	Prompt        string
	Response      string
	SessionID     string
	DurationMs    int64
	DurationAPIMs int64
	CostUSD       float64
	NumTurns      int
	Truncated     bool
}

// Backend is a uniform interface over agent CLIs.
type Backend interface {
	// Invoke runs one prompt to completion. Failures are *Error values.
	Invoke(ctx context.Context, opts Options) (*Result, error)
	// CheckAvailable reports whether the backing binary can be spawned.
	CheckAvailable(ctx context.Context) bool
	// Type names the backend for routing and logs.
	Type() string
}

// Registry routes invocations by backend type so per-session and per-call
// overrides can pick a different agent without re-wiring callers.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	defaultType string
}

// NewRegistry builds a registry with the given default type.
func NewRegistry(defaultType string) *Registry {
	return &Registry{
		backends:    make(map[string]Backend),
		defaultType: defaultType,
	}
}

// Register adds a backend under its type name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Type()] = b
}

// Resolve returns the backend for the requested type, falling back to the
// default. Returns an error when neither is registered.
func (r *Registry) Resolve(backendType string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if backendType == "" {
		backendType = r.defaultType
	}
	if b, ok := r.backends[backendType]; ok {
		return b, nil
	}
	if b, ok := r.backends[r.defaultType]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no backend registered for type %q", backendType)
}

// Invoke routes to the backend named by opts.BackendType.
func (r *Registry) Invoke(ctx context.Context, opts Options) (*Result, error) {
	b, err := r.Resolve(opts.BackendType)
	if err != nil {
		return nil, err
	}
	return b.Invoke(ctx, opts)
}
