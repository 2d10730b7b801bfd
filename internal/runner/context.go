package runner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"steward/internal/engine"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/task"
	"steward/internal/workflow"
)

const (
	maxSnapshotEntries = 40
	readmeHeadLines    = 30
)

// PromptContext feeds recalled memories into task-node prompts and remembers
// which entries were used, so the run outcome can reinforce them afterwards.
type PromptContext struct {
	mem    *memory.Engine
	logger logging.Logger

	mu   sync.Mutex
	used map[string]bool
}

// NewPromptContext builds a provider. A nil memory engine yields no sections.
func NewPromptContext(mem *memory.Engine, logger logging.Logger) *PromptContext {
	return &PromptContext{mem: mem, logger: logging.OrNop(logger), used: make(map[string]bool)}
}

// Sections implements engine.ContextProvider: it recalls memories related to
// the node prompt and injects them as one context block.
func (p *PromptContext) Sections(ctx context.Context, t *task.Task, node *workflow.Node, inst *workflow.Instance) []engine.Section {
	if p.mem == nil {
		return nil
	}
	query := strings.TrimSpace(node.Prompt)
	if query == "" {
		query = t.Description
	}
	results := p.mem.AssociativeRetrieve(ctx, query, 3)
	p.Record(results)
	body := memory.RecallSummary(results)
	if body == "" {
		return nil
	}
	return []engine.Section{{Title: "Relevant Experience", Body: body}}
}

// Record notes retrieved entries for later outcome reinforcement.
func (p *PromptContext) Record(results []memory.Retrieved) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, res := range results {
		if res.Entry != nil {
			p.used[res.Entry.ID] = true
		}
	}
}

// Used lists the distinct memory ids recalled during this run, sorted.
func (p *PromptContext) Used() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.used))
	for id := range p.used {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// projectSnapshot captures a shallow picture of the working directory for the
// planning prompt: the top-level listing and the head of a README when one
// exists. Empty on any trouble; planning works without it.
func projectSnapshot(dir string) string {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = wd
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("Working directory: ")
	b.WriteString(dir)
	b.WriteString("\n")
	shown := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if shown >= maxSnapshotEntries {
			b.WriteString("- (more entries omitted)\n")
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString("\n")
		shown++
	}

	if head := readmeHead(dir); head != "" {
		b.WriteString("\nREADME:\n")
		b.WriteString(head)
		b.WriteString("\n")
	}
	return b.String()
}

func readmeHead(dir string) string {
	for _, name := range []string{"README.md", "README", "readme.md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		if len(lines) > readmeHeadLines {
			lines = lines[:readmeHeadLines]
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return ""
}
