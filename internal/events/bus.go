// Package events is the in-process pub/sub channel between the engine, the
// task runner and outbound notifiers. Subscriptions live only for the
// process lifetime; every subscriber re-registers on start.
package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"steward/internal/logging"
)

// Names of the events the engine and runner emit.
const (
	WorkflowStarted   = "workflow:started"
	WorkflowProgress  = "workflow:progress"
	WorkflowCompleted = "workflow:completed"
	WorkflowFailed    = "workflow:failed"
	NodeStarted       = "node:started"
	NodeCompleted     = "node:completed"
	NodeFailed        = "node:failed"
	NodeSkipped       = "node:skipped"
	HumanWaiting      = "human:waiting"
	TaskCompleted     = "task:completed"
)

// WorkflowPayload accompanies workflow-level events.
type WorkflowPayload struct {
	TaskID     string
	InstanceID string
	Status     string
	TotalNodes int
	DoneNodes  int
	Error      string
}

// NodePayload accompanies node lifecycle events.
type NodePayload struct {
	TaskID     string
	InstanceID string
	NodeID     string
	NodeType   string
	NodeName   string
	Attempts   int
	DurationMs int64
	CostUSD    float64
	Output     any
	Error      string
}

// TaskPayload accompanies task:completed.
type TaskPayload struct {
	TaskID string
	Status string
	Title  string
	Output string
}

// Event is one delivered emission.
type Event struct {
	Name    string
	Time    time.Time
	Payload any
}

// Handler consumes one event. A returned error is logged and does not stop
// delivery to later handlers.
type Handler func(Event) error

type subscription struct {
	id int
	fn Handler
}

// Bus delivers events to handlers in FIFO registration order. Delivery is
// synchronous so a caller that must flush observers before exiting can rely
// on EmitSync returning only after every handler ran.
type Bus struct {
	logger logging.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
}

// NewBus builds an empty bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		logger: logging.OrNop(logger),
		subs:   make(map[string][]subscription),
	}
}

// On registers a handler for one event name and returns its unsubscribe
// function.
func (b *Bus) On(name string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		for i, s := range subs {
			if s.id == id {
				b.subs[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to every handler in registration order. Handler
// errors and panics are logged and do not interrupt the chain.
func (b *Bus) Emit(name string, payload any) {
	for _, err := range b.dispatch(name, payload) {
		b.logger.Warn("EventBus: handler for %s failed: %v", name, err)
	}
}

// EmitSync delivers like Emit but hands the joined handler errors back to
// the caller. Used for terminal notifications that must flush before the
// process exits.
func (b *Bus) EmitSync(name string, payload any) error {
	errs := b.dispatch(name, payload)
	for _, err := range errs {
		b.logger.Warn("EventBus: handler for %s failed: %v", name, err)
	}
	return errors.Join(errs...)
}

func (b *Bus) dispatch(name string, payload any) []error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.RUnlock()

	ev := Event{Name: name, Time: time.Now(), Payload: payload}
	var errs []error
	for _, s := range subs {
		if err := b.deliver(s.fn, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (b *Bus) deliver(fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ev)
}
