package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"steward/internal/config"
	"steward/internal/logging"
)

const (
	// DefaultTimeout bounds one invocation when neither the call nor the
	// config supplies a limit.
	DefaultTimeout = 30 * time.Minute

	// killGrace is how long a signalled subprocess gets to exit before
	// the whole process group is killed.
	killGrace = 5 * time.Second

	// maxCaptureBytes caps how much subprocess output is retained. The
	// stream is still drained past this point so the child never blocks
	// on a full pipe.
	maxCaptureBytes = 100 * 1024 * 1024

	// maxLineBytes must admit the largest legal single event line, which
	// is a result event carrying a full capped response.
	maxLineBytes = maxCaptureBytes + 1024*1024

	truncationMarker = "\n[output truncated: capture limit reached]"

	stderrTailBytes = 8 * 1024
)

// Claude runs prompts through the claude CLI in non-interactive mode and
// parses its stream-json output. A weighted semaphore bounds how many
// subprocesses are alive at once; callers queue for a slot.
type Claude struct {
	binary          string
	model           string
	skipPermissions bool
	defaultTimeout  time.Duration
	sem             *semaphore.Weighted
	logger          logging.Logger
}

// NewClaude builds the claude CLI backend from config.
func NewClaude(cfg config.BackendConfig, logger logging.Logger) *Claude {
	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}
	limit := int64(cfg.MaxConcurrent)
	if limit <= 0 {
		limit = 5
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Claude{
		binary:          binary,
		model:           cfg.Model,
		skipPermissions: cfg.SkipPermissions,
		defaultTimeout:  timeout,
		sem:             semaphore.NewWeighted(limit),
		logger:          logging.OrNop(logger),
	}
}

func (c *Claude) Type() string { return "claude" }

// CheckAvailable reports whether the CLI binary is on PATH.
func (c *Claude) CheckAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

// Invoke spawns the CLI, streams its output, and returns the terminal
// result. The subprocess gets no stdin; it must run without interaction.
func (c *Claude) Invoke(ctx context.Context, opts Options) (*Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: ErrCancelled, Message: "waiting for a backend slot: " + err.Error()}
	}
	defer c.sem.Release(1)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := c.buildArgs(opts)
	cmd := exec.Command(c.binary, args...)
	cmd.Dir = opts.Cwd
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Kind: ErrProcess, ExitCode: -1, Message: "stdout pipe: " + err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &Error{Kind: ErrProcess, ExitCode: -1, Message: "stderr pipe: " + err.Error()}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: ErrProcess, ExitCode: -1, Message: fmt.Sprintf("spawn %s: %v", c.binary, err)}
	}
	c.logger.Debug("backend: spawned %s pid=%d model=%q cwd=%q session=%q",
		c.binary, cmd.Process.Pid, opts.Model, opts.Cwd, opts.SessionID)

	exited := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			c.terminate(cmd.Process.Pid, exited)
		case <-exited:
		}
	}()

	tail := &tailBuffer{max: stderrTailBytes}
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		_, _ = io.Copy(tail, stderr)
	}()

	parsed := c.consume(stdout, opts)

	readers.Wait()
	waitErr := cmd.Wait()
	close(exited)
	elapsed := time.Since(start)

	// A complete result that raced the deadline still counts as success.
	if parsed.sawResult && !parsed.isError && waitErr == nil {
		return c.buildResult(opts, parsed, elapsed), nil
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, &Error{Kind: ErrTimeout, Message: fmt.Sprintf("no completion within %s", timeout)}
	case ctx.Err() != nil:
		return nil, &Error{Kind: ErrCancelled, Message: ctx.Err().Error()}
	case waitErr != nil:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		msg := tail.String()
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, &Error{Kind: ErrProcess, ExitCode: exitCode, Message: msg}
	case parsed.isError:
		msg := parsed.resultText
		if msg == "" {
			msg = tail.String()
		}
		return nil, &Error{Kind: ErrProcess, ExitCode: 0, Message: msg}
	case !parsed.sawResult:
		msg := tail.String()
		if msg == "" {
			msg = "stream ended without a result event"
		}
		return nil, &Error{Kind: ErrProcess, ExitCode: 0, Message: msg}
	}
	return c.buildResult(opts, parsed, elapsed), nil
}

func (c *Claude) buildResult(opts Options, parsed *parsedStream, elapsed time.Duration) *Result {
	res := &Result{
		Prompt:        opts.Prompt,
		Response:      parsed.response(),
		SessionID:     parsed.sessionID,
		DurationMs:    parsed.durationMs,
		DurationAPIMs: parsed.durationAPIMs,
		CostUSD:       parsed.costUSD,
		NumTurns:      parsed.numTurns,
		Truncated:     parsed.truncated(),
	}
	if res.DurationMs == 0 {
		res.DurationMs = elapsed.Milliseconds()
	}
	c.logger.Debug("backend: completed in %dms cost=$%.4f session=%q turns=%d",
		res.DurationMs, res.CostUSD, res.SessionID, res.NumTurns)
	return res
}

// buildArgs maps invocation options to CLI flags. The prompt always rides
// the -p flag so the child needs no stdin.
func (c *Claude) buildArgs(opts Options) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "stream-json", "--verbose"}
	if opts.Stream {
		args = append(args, "--include-partial-messages")
	}
	model := opts.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.SkipPermissions || c.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.DisableMcp {
		args = append(args, "--strict-mcp-config")
	}
	for _, server := range opts.McpServers {
		args = append(args, "--mcp-config", server)
	}
	return args
}

// terminate signals the whole process group so spawned grandchildren die
// with the CLI, escalating to SIGKILL after a grace period.
func (c *Claude) terminate(pid int, exited <-chan struct{}) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(killGrace):
		c.logger.Warn("backend: pid=%d ignored SIGTERM, killing process group", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// streamLine is the envelope shared by all stream-json event lines. Result
// fields are flattened onto it; nested payloads stay raw until the type is
// known.
type streamLine struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype"`
	SessionID     string          `json:"session_id"`
	Result        string          `json:"result"`
	IsError       bool            `json:"is_error"`
	DurationMs    int64           `json:"duration_ms"`
	DurationAPIMs int64           `json:"duration_api_ms"`
	TotalCostUSD  float64         `json:"total_cost_usd"`
	NumTurns      int             `json:"num_turns"`
	Message       json.RawMessage `json:"message"`
	Event         json.RawMessage `json:"event"`
}

type parsedStream struct {
	sessionID     string
	assistant     *capBuffer
	resultText    string
	resultClipped bool
	sawResult     bool
	isError       bool
	durationMs    int64
	durationAPIMs int64
	costUSD       float64
	numTurns      int
}

// response prefers the terminal result text, falling back to accumulated
// assistant turns when the stream died before a result event.
func (p *parsedStream) response() string {
	if p.sawResult && p.resultText != "" {
		return p.resultText
	}
	return p.assistant.String()
}

func (p *parsedStream) truncated() bool {
	return p.resultClipped || p.assistant.truncated
}

// consume reads the stream-json lines to EOF. Unparseable lines are skipped
// so debug noise on stdout cannot poison a run.
func (c *Claude) consume(r io.Reader, opts Options) *parsedStream {
	p := &parsedStream{assistant: newCapBuffer(maxCaptureBytes)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev streamLine
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Debug("backend: skipping unparseable stream line: %v", err)
			continue
		}
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}
		switch ev.Type {
		case "stream_event":
			if text := deltaText(ev.Event); text != "" && opts.Stream && opts.OnChunk != nil {
				opts.OnChunk(text)
			}
		case "assistant":
			if text := messageText(ev.Message); text != "" {
				if p.assistant.Len() > 0 {
					p.assistant.add("\n")
				}
				p.assistant.add(text)
			}
		case "result":
			p.sawResult = true
			p.isError = ev.IsError
			p.resultText, p.resultClipped = capString(ev.Result, maxCaptureBytes)
			p.durationMs = ev.DurationMs
			p.durationAPIMs = ev.DurationAPIMs
			p.costUSD = ev.TotalCostUSD
			p.numTurns = ev.NumTurns
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("backend: stream read ended early: %v", err)
	}
	return p
}

// deltaText extracts incremental text from a content_block_delta event.
func deltaText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var ev struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ""
	}
	return ev.Delta.Text
}

// messageText joins the text blocks of a full assistant message.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var msg struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// capBuffer accumulates text up to a byte limit, then appends a marker once
// and drops the rest.
type capBuffer struct {
	b         strings.Builder
	remaining int
	truncated bool
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{remaining: limit}
}

func (cb *capBuffer) add(s string) {
	if cb.truncated {
		return
	}
	if len(s) <= cb.remaining {
		cb.b.WriteString(s)
		cb.remaining -= len(s)
		return
	}
	cb.b.WriteString(s[:cb.remaining])
	cb.b.WriteString(truncationMarker)
	cb.remaining = 0
	cb.truncated = true
}

func (cb *capBuffer) Len() int       { return cb.b.Len() }
func (cb *capBuffer) String() string { return cb.b.String() }

func capString(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	return s[:limit] + truncationMarker, true
}

// tailBuffer is an io.Writer keeping only the last max bytes written, used
// to surface the end of stderr in process errors.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if t.max > 0 && len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// New builds the backend selected by config. Unknown types fail fast so a
// typo in config cannot silently fall back to a different agent.
func New(cfg config.BackendConfig, logger logging.Logger) (Backend, error) {
	switch cfg.Type {
	case "", "claude":
		return NewClaude(cfg, logger), nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}
