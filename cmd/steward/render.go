package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"golang.org/x/term"

	"steward/internal/task"
)

// isTTY reports whether both stdin and stdout are terminals.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// colorStatus renders a task status in its conventional color.
func colorStatus(s task.Status) string {
	switch s {
	case task.StatusCompleted:
		return green(string(s))
	case task.StatusFailed:
		return red(string(s))
	case task.StatusCancelled:
		return gray(string(s))
	case task.StatusPaused, task.StatusWaiting:
		return yellow(string(s))
	case task.StatusPlanning, task.StatusDeveloping, task.StatusReviewing:
		return cyan(string(s))
	default:
		return string(s)
	}
}

// renderMarkdown pretty-prints a markdown document for terminals, falling
// back to the raw text when rendering fails or output is piped.
func renderMarkdown(doc string) string {
	style := glamour.WithStandardStyle("notty")
	if isTTY() {
		style = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(100))
	if err != nil {
		return doc
	}
	out, err := r.Render(doc)
	if err != nil {
		return doc
	}
	return out
}

// shortAge formats the time since t compactly: 42s, 18m, 3h, 2d.
func shortAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// padANSI right-pads a colored cell to width columns. The width math uses
// the plain text because escape sequences have no printable width.
func padANSI(colored, plain string, width int) string {
	if n := width - len([]rune(plain)); n > 0 {
		return colored + strings.Repeat(" ", n)
	}
	return colored
}

// clipLine flattens s to a single line of at most n runes.
func clipLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 1 {
		return "…"
	}
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}
