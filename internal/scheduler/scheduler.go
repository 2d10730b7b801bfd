// Package scheduler fires cron-templated tasks. A task whose scheduleCron is
// set acts as a template: every fire clones it into a fresh task and hands
// the clone to a launcher, so each run gets its own workflow, instance and
// process. Templates themselves never execute.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"steward/internal/ids"
	"steward/internal/logging"
	"steward/internal/task"
)

// resyncSpec re-scans the task store for new or dropped templates.
const resyncSpec = "*/5 * * * *"

// Launcher starts a detached run for the given task.
type Launcher func(taskID string) error

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per live template task.
type Scheduler struct {
	cron   *cron.Cron
	tasks  *task.Store
	launch Launcher
	logger logging.Logger

	mu      sync.Mutex
	entries map[string]entry

	stopped  chan struct{}
	stopOnce sync.Once
}

// New builds a scheduler over the classic five-field cron syntax. Fires that
// overlap a still-running one are skipped rather than queued.
func New(tasks *task.Store, launch Launcher, logger logging.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		tasks:   tasks,
		launch:  launch,
		logger:  logging.OrNop(logger),
		entries: make(map[string]entry),
		stopped: make(chan struct{}),
	}
}

// Start registers the current templates and begins ticking. The scheduler
// re-syncs against the store every five minutes so templates created while
// the daemon runs are picked up. Stop is wired to ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.Sync()
	if _, err := s.cron.AddFunc(resyncSpec, s.Sync); err != nil {
		return err
	}
	s.cron.Start()

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.logger.Info("scheduler: started with %d cron templates", n)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains running fires and halts the cron loop. Safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopped)
		s.logger.Info("scheduler: stopped")
	})
}

// Done closes once Stop has fully drained.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

// Sync reconciles cron entries with the task store: new templates are
// registered, templates whose cron cleared or that reached a terminal state
// are pruned, and changed expressions are re-registered.
func (s *Scheduler) Sync() {
	all, err := s.tasks.List()
	if err != nil {
		s.logger.Warn("scheduler: list tasks: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]string)
	for _, t := range all {
		if t.ScheduleCron == "" || t.Status.IsTerminal() {
			continue
		}
		live[t.ID] = t.ScheduleCron
	}

	for id, e := range s.entries {
		spec, ok := live[id]
		if ok && spec == e.spec {
			continue
		}
		s.cron.Remove(e.id)
		delete(s.entries, id)
		if !ok {
			s.logger.Info("scheduler: template %s removed", id)
		}
	}

	for id, spec := range live {
		if _, ok := s.entries[id]; ok {
			continue
		}
		templateID := id
		entryID, aerr := s.cron.AddFunc(spec, func() { s.fire(templateID) })
		if aerr != nil {
			s.logger.Warn("scheduler: template %s has invalid cron %q: %v", id, spec, aerr)
			continue
		}
		s.entries[id] = entry{id: entryID, spec: spec}
		s.logger.Info("scheduler: template %s registered (cron %q)", id, spec)
	}
}

// Registered lists the template IDs currently wired to cron entries.
func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// fire clones the template into a fresh task and launches it.
func (s *Scheduler) fire(templateID string) {
	tmpl, err := s.tasks.Get(templateID)
	if err != nil {
		s.logger.Warn("scheduler: template %s vanished: %v", templateID, err)
		return
	}
	if tmpl.ScheduleCron == "" || tmpl.Status.IsTerminal() {
		return
	}

	clone := task.New(ids.NewTaskID(), tmpl.Title, tmpl.Description, tmpl.Priority)
	clone.Assignee = tmpl.Assignee
	clone.Source = "cron:" + tmpl.ID
	if len(tmpl.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(tmpl.Metadata))
		for k, v := range tmpl.Metadata {
			clone.Metadata[k] = v
		}
	}
	if err := s.tasks.Save(clone); err != nil {
		s.logger.Error("scheduler: save clone of %s: %v", templateID, err)
		return
	}
	if err := s.launch(clone.ID); err != nil {
		s.logger.Error("scheduler: launch %s: %v", clone.ID, err)
		return
	}
	s.logger.Info("scheduler: template %s fired as %s", templateID, clone.ID)
}
