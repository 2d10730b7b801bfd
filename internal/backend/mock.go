package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockResponse is one scripted reply for the mock backend.
type MockResponse struct {
	Response  string
	SessionID string
	CostUSD   float64
	Err       error
}

// Mock implements Backend for testing. Scripted responses are consumed in
// FIFO order; once exhausted it falls back to a canned reply. Every call is
// recorded so tests can assert on prompts and options.
type Mock struct {
	mu        sync.Mutex
	scripted  []MockResponse
	calls     []Options
	available bool
	latency   time.Duration
	responder func(opts Options) (*Result, error)
}

// NewMock builds an available mock with no scripted responses.
func NewMock() *Mock {
	return &Mock{available: true}
}

// Enqueue appends scripted responses consumed by subsequent Invoke calls.
func (m *Mock) Enqueue(responses ...MockResponse) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, responses...)
	return m
}

// Respond installs a function that overrides scripted responses entirely.
func (m *Mock) Respond(fn func(opts Options) (*Result, error)) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
	return m
}

// SetAvailable controls what CheckAvailable reports.
func (m *Mock) SetAvailable(ok bool) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
	return m
}

// SetLatency makes each invocation take at least d, to mimic a real agent.
func (m *Mock) SetLatency(d time.Duration) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
	return m
}

// Calls returns a copy of every Options passed to Invoke so far.
func (m *Mock) Calls() []Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Options, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Invoke ran.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *Mock) Type() string { return "mock" }

func (m *Mock) CheckAvailable(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *Mock) Invoke(ctx context.Context, opts Options) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, opts)
	responder := m.responder
	latency := m.latency
	var next *MockResponse
	if responder == nil && len(m.scripted) > 0 {
		r := m.scripted[0]
		m.scripted = m.scripted[1:]
		next = &r
	}
	callNum := len(m.calls)
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, &Error{Kind: ErrCancelled, Message: ctx.Err().Error()}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrCancelled, Message: err.Error()}
	}

	if responder != nil {
		return responder(opts)
	}

	if next != nil {
		if next.Err != nil {
			return nil, next.Err
		}
		sessionID := next.SessionID
		if sessionID == "" {
			sessionID = opts.SessionID
		}
		res := &Result{
			Prompt:     opts.Prompt,
			Response:   next.Response,
			SessionID:  sessionID,
			DurationMs: latency.Milliseconds(),
			CostUSD:    next.CostUSD,
			NumTurns:   1,
		}
		m.streamChunks(opts, res.Response)
		return res, nil
	}

	res := &Result{
		Prompt:     opts.Prompt,
		Response:   fmt.Sprintf("mock response %d", callNum),
		SessionID:  opts.SessionID,
		DurationMs: latency.Milliseconds(),
		NumTurns:   1,
	}
	m.streamChunks(opts, res.Response)
	return res, nil
}

// streamChunks forwards the response in two pieces when the caller asked
// for streaming, so chunk plumbing gets exercised in tests.
func (m *Mock) streamChunks(opts Options, response string) {
	if !opts.Stream || opts.OnChunk == nil || response == "" {
		return
	}
	half := len(response) / 2
	if half == 0 {
		opts.OnChunk(response)
		return
	}
	opts.OnChunk(response[:half])
	opts.OnChunk(response[half:])
}
