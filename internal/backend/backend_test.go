package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
)

func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func stubBackend(t *testing.T, script string) *Claude {
	t.Helper()
	return NewClaude(config.BackendConfig{
		Binary:         writeStub(t, script),
		MaxConcurrent:  2,
		TimeoutMinutes: 1,
	}, nil)
}

func TestBuildArgs(t *testing.T) {
	base := NewClaude(config.BackendConfig{Binary: "claude"}, nil)
	withDefaults := NewClaude(config.BackendConfig{
		Binary:          "claude",
		Model:           "sonnet",
		SkipPermissions: true,
	}, nil)

	tests := []struct {
		name    string
		backend *Claude
		opts    Options
		want    []string
	}{
		{
			name:    "minimal",
			backend: base,
			opts:    Options{Prompt: "do it"},
			want:    []string{"-p", "do it", "--output-format", "stream-json", "--verbose"},
		},
		{
			name:    "streaming adds partial messages",
			backend: base,
			opts:    Options{Prompt: "p", Stream: true},
			want:    []string{"-p", "p", "--output-format", "stream-json", "--verbose", "--include-partial-messages"},
		},
		{
			name:    "config model applies when call omits one",
			backend: withDefaults,
			opts:    Options{Prompt: "p"},
			want: []string{"-p", "p", "--output-format", "stream-json", "--verbose",
				"--model", "sonnet", "--dangerously-skip-permissions"},
		},
		{
			name:    "call model overrides config",
			backend: withDefaults,
			opts:    Options{Prompt: "p", Model: "opus"},
			want: []string{"-p", "p", "--output-format", "stream-json", "--verbose",
				"--model", "opus", "--dangerously-skip-permissions"},
		},
		{
			name:    "session resume",
			backend: base,
			opts:    Options{Prompt: "p", SessionID: "sess-1"},
			want:    []string{"-p", "p", "--output-format", "stream-json", "--verbose", "--resume", "sess-1"},
		},
		{
			name:    "mcp flags",
			backend: base,
			opts:    Options{Prompt: "p", DisableMcp: true, McpServers: []string{"a.json", "b.json"}},
			want: []string{"-p", "p", "--output-format", "stream-json", "--verbose",
				"--strict-mcp-config", "--mcp-config", "a.json", "--mcp-config", "b.json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backend.buildArgs(tt.opts))
		})
	}
}

func TestInvokeParsesStream(t *testing.T) {
	c := stubBackend(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-42"}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"par"}}}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"tial"}}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial answer"}]}}'
echo 'stray non-json noise'
echo '{"type":"result","subtype":"success","is_error":false,"result":"final answer","session_id":"sess-42","duration_ms":120,"duration_api_ms":80,"total_cost_usd":0.0042,"num_turns":2}'
`)

	var mu sync.Mutex
	var chunks []string
	res, err := c.Invoke(context.Background(), Options{
		Prompt: "summarize",
		Stream: true,
		OnChunk: func(text string) {
			mu.Lock()
			chunks = append(chunks, text)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "summarize", res.Prompt)
	assert.Equal(t, "final answer", res.Response)
	assert.Equal(t, "sess-42", res.SessionID)
	assert.Equal(t, int64(120), res.DurationMs)
	assert.Equal(t, int64(80), res.DurationAPIMs)
	assert.InDelta(t, 0.0042, res.CostUSD, 1e-9)
	assert.Equal(t, 2, res.NumTurns)
	assert.False(t, res.Truncated)
	assert.Equal(t, []string{"par", "tial"}, chunks)
}

func TestInvokeFallsBackToAssistantText(t *testing.T) {
	// Some result subtypes carry no result text; the joined assistant
	// turns stand in for the answer.
	c := stubBackend(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"first turn"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"second turn"}]}}'
echo '{"type":"result","subtype":"error_max_turns","is_error":false,"result":"","session_id":"sess-9","duration_ms":50}'
`)
	res, err := c.Invoke(context.Background(), Options{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "first turn\nsecond turn", res.Response)
	assert.Equal(t, "sess-9", res.SessionID)
}

func TestInvokeProcessError(t *testing.T) {
	c := stubBackend(t, `
echo 'fatal: credential helper exploded' >&2
exit 3
`)
	_, err := c.Invoke(context.Background(), Options{Prompt: "p"})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrProcess, berr.Kind)
	assert.Equal(t, 3, berr.ExitCode)
	assert.Contains(t, berr.Message, "credential helper exploded")
}

func TestInvokeErrorResult(t *testing.T) {
	c := stubBackend(t, `
echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"rate limit exceeded (429)","session_id":"s","duration_ms":10}'
`)
	_, err := c.Invoke(context.Background(), Options{Prompt: "p"})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrProcess, berr.Kind)
	assert.Contains(t, berr.Message, "rate limit exceeded")
}

func TestInvokeMissingResultEvent(t *testing.T) {
	c := stubBackend(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"half an answer"}]}}'
`)
	_, err := c.Invoke(context.Background(), Options{Prompt: "p"})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrProcess, berr.Kind)
	assert.Contains(t, berr.Message, "without a result event")
}

func TestInvokeTimeout(t *testing.T) {
	c := stubBackend(t, `sleep 5`)
	start := time.Now()
	_, err := c.Invoke(context.Background(), Options{Prompt: "p", Timeout: 150 * time.Millisecond})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrTimeout, berr.Kind)
	assert.Less(t, time.Since(start), 3*time.Second, "SIGTERM should end the run promptly")
}

func TestInvokeCancelled(t *testing.T) {
	c := stubBackend(t, `sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := c.Invoke(ctx, Options{Prompt: "p"})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrCancelled, berr.Kind)
}

func TestInvokeHonorsConcurrencyLimit(t *testing.T) {
	stub := writeStub(t, `
sleep 0.2
echo '{"type":"result","is_error":false,"result":"ok","session_id":"s","duration_ms":200}'
`)
	c := NewClaude(config.BackendConfig{Binary: stub, MaxConcurrent: 1, TimeoutMinutes: 1}, nil)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Invoke(context.Background(), Options{Prompt: "p"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond,
		"three 200ms runs behind one slot cannot overlap")
}

func TestCheckAvailable(t *testing.T) {
	assert.True(t, stubBackend(t, "exit 0").CheckAvailable(context.Background()))
	missing := NewClaude(config.BackendConfig{Binary: "no-such-agent-binary"}, nil)
	assert.False(t, missing.CheckAvailable(context.Background()))
}

func TestConsumeIgnoresChunksWhenNotStreaming(t *testing.T) {
	c := stubBackend(t, `
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}}'
echo '{"type":"result","is_error":false,"result":"done","session_id":"s","duration_ms":1}'
`)
	called := false
	res, err := c.Invoke(context.Background(), Options{
		Prompt:  "p",
		Stream:  false,
		OnChunk: func(string) { called = true },
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Response)
	assert.False(t, called)
}

func TestCapBuffer(t *testing.T) {
	cb := newCapBuffer(10)
	cb.add("12345")
	cb.add("67890ab")
	cb.add("never lands")
	assert.True(t, cb.truncated)
	assert.Equal(t, "1234567890"+truncationMarker, cb.String())

	capped, clipped := capString("abcdef", 4)
	assert.True(t, clipped)
	assert.Equal(t, "abcd"+truncationMarker, capped)
	whole, clipped := capString("abc", 4)
	assert.False(t, clipped)
	assert.Equal(t, "abc", whole)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("abcd"))
	assert.Equal(t, "6789abcd", tb.String())
}

func TestErrorMessagesNameTheirKind(t *testing.T) {
	assert.Contains(t, (&Error{Kind: ErrTimeout, Message: "30m"}).Error(), "timeout")
	assert.Contains(t, (&Error{Kind: ErrCancelled, Message: "ctx"}).Error(), "cancelled")
	assert.Contains(t, (&Error{Kind: ErrProcess, ExitCode: 2, Message: "boom"}).Error(), "exited 2")
}

func TestMockScriptedResponses(t *testing.T) {
	m := NewMock().Enqueue(
		MockResponse{Response: "plan json", SessionID: "s1", CostUSD: 0.01},
		MockResponse{Err: &Error{Kind: ErrProcess, Message: "scripted failure"}},
	)

	res, err := m.Invoke(context.Background(), Options{Prompt: "first"})
	require.NoError(t, err)
	assert.Equal(t, "plan json", res.Response)
	assert.Equal(t, "s1", res.SessionID)

	_, err = m.Invoke(context.Background(), Options{Prompt: "second"})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "scripted failure", berr.Message)

	res, err = m.Invoke(context.Background(), Options{Prompt: "third"})
	require.NoError(t, err)
	assert.Contains(t, res.Response, "mock response")

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "first", calls[0].Prompt)
	assert.Equal(t, "third", calls[2].Prompt)
}

func TestMockStreamsChunks(t *testing.T) {
	m := NewMock().Enqueue(MockResponse{Response: "hello world"})
	var chunks []string
	res, err := m.Invoke(context.Background(), Options{
		Prompt:  "p",
		Stream:  true,
		OnChunk: func(s string) { chunks = append(chunks, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", strings.Join(chunks, ""))
	assert.Equal(t, "hello world", res.Response)
}

func TestMockResponder(t *testing.T) {
	m := NewMock().Respond(func(opts Options) (*Result, error) {
		if strings.Contains(opts.Prompt, "fail") {
			return nil, &Error{Kind: ErrProcess, Message: "asked to fail"}
		}
		return &Result{Response: "echo:" + opts.Prompt}, nil
	})
	res, err := m.Invoke(context.Background(), Options{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", res.Response)
	_, err = m.Invoke(context.Background(), Options{Prompt: "please fail"})
	require.Error(t, err)
}

func TestRegistryRouting(t *testing.T) {
	mock := NewMock()
	claude := NewClaude(config.BackendConfig{Binary: "claude"}, nil)
	reg := NewRegistry("mock")
	reg.Register(mock)
	reg.Register(claude)

	b, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "mock", b.Type())

	b, err = reg.Resolve("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", b.Type())

	// Unknown types fall back to the default rather than failing a task.
	b, err = reg.Resolve("gemini")
	require.NoError(t, err)
	assert.Equal(t, "mock", b.Type())

	empty := NewRegistry("claude")
	_, err = empty.Resolve("")
	require.Error(t, err)
}

func TestFactory(t *testing.T) {
	b, err := New(config.BackendConfig{Type: ""}, nil)
	require.NoError(t, err)
	assert.Equal(t, "claude", b.Type())

	b, err = New(config.BackendConfig{Type: "mock"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", b.Type())

	_, err = New(config.BackendConfig{Type: "copilot"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copilot")
}
