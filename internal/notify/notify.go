// Package notify pushes terminal task states and pending approvals to
// outbound destinations. A Hub fans one Notification out to every registered
// Notifier; delivery failures are logged and never block the emitting path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/events"
	"steward/internal/logging"
)

const (
	sendTimeout = 10 * time.Second
	bodyClip    = 500
)

// Notification is one outbound message.
type Notification struct {
	Event  string    `json:"event"`
	TaskID string    `json:"taskId"`
	Title  string    `json:"title"`
	Body   string    `json:"body,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier delivers notifications to one destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Hub fans notifications out to its registered notifiers.
type Hub struct {
	logger logging.Logger

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewHub builds an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{logger: logging.OrNop(logger)}
}

// FromConfig builds a hub per cfg: disabled means no destinations, enabled
// registers the log notifier plus a webhook when a URL is configured.
func FromConfig(cfg config.NotifyConfig, logger logging.Logger) *Hub {
	h := NewHub(logger)
	if !cfg.Enabled {
		return h
	}
	h.Register(NewLog(logger))
	if cfg.WebhookURL != "" {
		h.Register(NewWebhook(cfg.WebhookURL))
	}
	return h
}

// Register adds a destination.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers = append(h.notifiers, n)
}

// Names lists the registered destinations in registration order.
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.notifiers))
	for _, n := range h.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Dispatch sends n to every destination. Each failure is logged; one
// destination failing never stops the others.
func (h *Hub) Dispatch(ctx context.Context, n Notification) {
	h.mu.RLock()
	targets := append([]Notifier(nil), h.notifiers...)
	h.mu.RUnlock()

	if n.At.IsZero() {
		n.At = time.Now()
	}
	for _, target := range targets {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := target.Send(sctx, n); err != nil {
			h.logger.Warn("notify: %s delivery failed: %v", target.Name(), err)
		}
		cancel()
	}
}

// Bind subscribes the hub to the bus events worth pushing: finished tasks
// and nodes waiting on a human. Returns an unsubscribe function.
func (h *Hub) Bind(bus *events.Bus) func() {
	offTask := bus.On(events.TaskCompleted, func(ev events.Event) error {
		p, ok := ev.Payload.(events.TaskPayload)
		if !ok {
			return nil
		}
		title := p.Title
		if title == "" {
			title = p.TaskID
		}
		body := fmt.Sprintf("finished as %s", p.Status)
		if p.Output != "" {
			body += "\n\n" + clip(p.Output)
		}
		h.Dispatch(context.Background(), Notification{
			Event:  ev.Name,
			TaskID: p.TaskID,
			Title:  title,
			Body:   body,
			At:     ev.Time,
		})
		return nil
	})
	offHuman := bus.On(events.HumanWaiting, func(ev events.Event) error {
		p, ok := ev.Payload.(events.NodePayload)
		if !ok {
			return nil
		}
		name := p.NodeName
		if name == "" {
			name = p.NodeID
		}
		h.Dispatch(context.Background(), Notification{
			Event:  ev.Name,
			TaskID: p.TaskID,
			Title:  fmt.Sprintf("approval needed: %s", name),
			Body:   fmt.Sprintf("node %s is waiting for a human decision", p.NodeID),
			At:     ev.Time,
		})
		return nil
	})
	return func() {
		offTask()
		offHuman()
	}
}

func clip(s string) string {
	if len(s) <= bodyClip {
		return s
	}
	return s[:bodyClip] + "\n[... truncated]"
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct {
	logger logging.Logger
}

// NewLog builds a log-backed notifier.
func NewLog(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	l.logger.Info("notify: [%s] task %s: %s", n.Event, n.TaskID, n.Title)
	return nil
}

// WebhookNotifier POSTs each notification as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhook builds a webhook notifier for url.
func NewWebhook(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: sendTimeout},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
