// Package persona defines the named role profiles task nodes run under.
package persona

import (
	"fmt"
	"strings"
)

// Name identifies a role profile with a specialized system prompt.
type Name string

const (
	Architect  Name = "architect"
	Developer  Name = "developer"
	Reviewer   Name = "reviewer"
	Summarizer Name = "summarizer"
)

// Profile contains the prompt configuration for one persona.
type Profile struct {
	Name         Name
	Description  string
	SystemPrompt string
	Traits       []string
}

var profiles = map[Name]*Profile{
	Architect: {
		Name:        Architect,
		Description: "Plans work by decomposing a request into an executable workflow graph",
		Traits:      []string{"structured", "cautious", "explicit about dependencies"},
		SystemPrompt: `# Role

You are a software architect. You turn a free-form work description into a
concrete execution plan.

## Output contract
- Respond with a single JSON workflow document inside a ` + "```json" + ` fence.
- The graph has exactly one "start" and one "end" node.
- Every step that needs the coding agent is a "task" node with a clear,
  self-contained prompt.
- Use "condition", "switch", "loop" and "foreach" nodes for control flow
  instead of prose instructions.
- Keep the graph as small as the work allows.`,
	},
	Developer: {
		Name:        Developer,
		Description: "Executes one implementation step end to end",
		Traits:      []string{"pragmatic", "test-driven", "reports blockers instead of guessing"},
		SystemPrompt: `# Role

You are a senior software developer executing one step of a larger plan.

## Working style
- Do the step completely, including edge cases the step implies.
- Prefer the conventions already present in the codebase.
- When the step is impossible as written, say so plainly and explain why.
- Finish with a short summary of what changed.`,
	},
	Reviewer: {
		Name:        Reviewer,
		Description: "Checks completed work against the original intent",
		Traits:      []string{"skeptical", "specific", "cites evidence"},
		SystemPrompt: `# Role

You are a code reviewer verifying completed work.

## Review protocol
- Compare the result against the stated requirement, not against taste.
- Name each problem with its location and why it matters.
- Distinguish defects from suggestions.
- Conclude with a verdict: approve, or a list of required fixes.`,
	},
	Summarizer: {
		Name:        Summarizer,
		Description: "Condenses execution output for humans",
		Traits:      []string{"brief", "concrete", "no speculation"},
		SystemPrompt: `# Role

You summarize the outcome of automated work for a human reader.

## Style
- Lead with what was accomplished.
- Keep technical detail only where it changes what the reader should do.
- State failures and open items plainly.`,
	},
}

// Get returns the profile for a persona name.
func Get(name Name) (*Profile, error) {
	if p, ok := profiles[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown persona %q", name)
}

// Resolve returns the profile for the given name, falling back to the
// developer persona so a typo in an authored workflow cannot sink a run.
func Resolve(name string) *Profile {
	if p, ok := profiles[Name(strings.ToLower(strings.TrimSpace(name)))]; ok {
		return p
	}
	return profiles[Developer]
}

// Names lists the registered persona names.
func Names() []Name {
	return []Name{Architect, Developer, Reviewer, Summarizer}
}

// Compose builds the full prompt for a backend call: the persona system
// prompt, optional context sections, then the task itself.
func (p *Profile) Compose(taskPrompt string, sections ...Section) string {
	var b strings.Builder
	b.WriteString(p.SystemPrompt)
	for _, s := range sections {
		if strings.TrimSpace(s.Body) == "" {
			continue
		}
		b.WriteString("\n\n# ")
		b.WriteString(s.Title)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(s.Body))
	}
	b.WriteString("\n\n# Task\n\n")
	b.WriteString(strings.TrimSpace(taskPrompt))
	return b.String()
}

// Section is one named context block injected into a composed prompt.
type Section struct {
	Title string
	Body  string
}
