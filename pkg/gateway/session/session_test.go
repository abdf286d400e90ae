// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/transport"
)

// streamableBackend is a minimal streamable-HTTP MCP server for tests.
type streamableBackend struct {
	mu         sync.Mutex
	methods    []string
	sessionIDs []string

	// sseReply answers tools/call with an SSE body instead of inline JSON.
	sseReply bool

	// hangCalls blocks tools/call until the request context ends.
	hangCalls bool
	callSeen  chan struct{}
}

func newStreamableBackend() *streamableBackend {
	return &streamableBackend{callSeen: make(chan struct{}, 16)}
}

func (b *streamableBackend) recordedMethods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.methods...)
}

func (b *streamableBackend) recordedSessionIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sessionIDs...)
}

func (b *streamableBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg transport.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.methods = append(b.methods, msg.Method)
		b.sessionIDs = append(b.sessionIDs, r.Header.Get("Mcp-Session-Id"))
		b.mu.Unlock()

		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result any
		switch msg.Method {
		case "initialize":
			w.Header().Set("Mcp-Session-Id", "backend-session-1")
			result = map[string]any{
				"protocolVersion": gateway.ProtocolVersion,
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "fake-backend"},
			}
		case "tools/list":
			result = map[string]any{
				"tools": []map[string]any{
					{"name": "echo", "description": "echoes arguments"},
				},
			}
		case "tools/call":
			select {
			case b.callSeen <- struct{}{}:
			default:
			}
			if b.hangCalls {
				<-r.Context().Done()
				return
			}
			result = map[string]any{"echo": json.RawMessage(msg.Params)}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		resp, err := transport.NewResponseMessage(msg.ID, result)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		payload, _ := json.Marshal(resp)

		if b.sseReply && msg.Method == "tools/call" {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

func newStreamableSession(t *testing.T, b *streamableBackend) (*Session, chan Event) {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	events := make(chan Event, 16)
	s := New(gateway.Backend{
		ID:        "fake",
		URL:       srv.URL,
		Transport: gateway.TransportStreamableHTTP,
	}, Config{Events: events})
	t.Cleanup(s.Close)
	return s, events
}

func TestStreamableHandshake(t *testing.T) {
	t.Parallel()

	backend := newStreamableBackend()
	s, _ := newStreamableSession(t, backend)

	require.NoError(t, s.EnsureInitialized(context.Background()))
	assert.True(t, s.Initialized())

	// Re-entry is a no-op.
	require.NoError(t, s.EnsureInitialized(context.Background()))

	methods := backend.recordedMethods()
	assert.Equal(t, []string{"initialize", "notifications/initialized"}, methods)

	// The backend-assigned session id must be echoed after initialize.
	ids := backend.recordedSessionIDs()
	assert.Empty(t, ids[0])
	assert.Equal(t, "backend-session-1", ids[1])
}

func TestListTools(t *testing.T) {
	t.Parallel()

	s, _ := newStreamableSession(t, newStreamableBackend())

	tools, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestCallToolInlineJSON(t *testing.T) {
	t.Parallel()

	s, _ := newStreamableSession(t, newStreamableBackend())

	resp, err := s.CallTool(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	var result struct {
		Echo struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "echo", result.Echo.Name)
	assert.JSONEq(t, `{"msg":"hi"}`, string(result.Echo.Arguments))
}

func TestCallToolSSEBody(t *testing.T) {
	t.Parallel()

	backend := newStreamableBackend()
	backend.sseReply = true
	s, _ := newStreamableSession(t, backend)

	resp, err := s.CallTool(context.Background(), "echo", json.RawMessage(`{"msg":"streamed"}`))
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "streamed")
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	t.Parallel()

	s, _ := newStreamableSession(t, newStreamableBackend())
	require.NoError(t, s.EnsureInitialized(context.Background()))

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			args := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
			resp, err := s.CallTool(context.Background(), "echo", args)
			if assert.NoError(t, err) {
				assert.Contains(t, string(resp.Result), fmt.Sprintf(`"seq":%d`, i))
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, s.PendingCount(), "no sinks may leak after completion")
}

func TestCallDeadline(t *testing.T) {
	t.Parallel()

	backend := newStreamableBackend()
	backend.hangCalls = true
	s, _ := newStreamableSession(t, backend)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.CallTool(ctx, "echo", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.PendingCount())

	// The best-effort cancel notification reaches the backend.
	require.Eventually(t, func() bool {
		for _, m := range backend.recordedMethods() {
			if m == "notifications/cancelled" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCloseFailsPending(t *testing.T) {
	t.Parallel()

	backend := newStreamableBackend()
	backend.hangCalls = true
	s, _ := newStreamableSession(t, backend)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "echo", nil)
		errCh <- err
	}()

	select {
	case <-backend.callSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw the call")
	}

	s.Close()
	s.Close() // idempotent

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail on Close")
	}

	_, err := s.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, gateway.ErrSessionClosed)
}

// sseBackend is a minimal HTTP+SSE MCP server: GET streams frames, POST to
// the messages URL produces replies on the stream.
type sseBackend struct {
	replies chan string
}

func newSSEBackend() *sseBackend {
	return &sseBackend{replies: make(chan string, 16)}
}

func (b *sseBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: endpoint\ndata: /messages?session_id=s1\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case payload := <-b.replies:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var msg transport.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)

		if msg.IsNotification() {
			return
		}

		var result any
		switch msg.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": gateway.ProtocolVersion,
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "fake-sse-backend"},
			}
		case "tools/list":
			result = map[string]any{
				"tools": []map[string]any{{"name": "lookup"}},
			}
		default:
			result = map[string]any{}
		}

		resp, _ := transport.NewResponseMessage(msg.ID, result)
		payload, _ := json.Marshal(resp)
		b.replies <- string(payload)
	})
	return mux
}

func (b *sseBackend) injectReply(payload string) {
	b.replies <- payload
}

func newSSESession(t *testing.T) (*Session, *sseBackend, chan Event) {
	t.Helper()
	backend := newSSEBackend()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	events := make(chan Event, 16)
	s := New(gateway.Backend{
		ID:        "fake-sse",
		URL:       srv.URL + "/sse",
		Transport: gateway.TransportSSE,
	}, Config{
		Events:     events,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return s, backend, events
}

func TestSSETransportHandshakeAndList(t *testing.T) {
	t.Parallel()

	s, _, _ := newSSESession(t)

	require.NoError(t, s.EnsureInitialized(context.Background()))

	tools, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "lookup", tools[0].Name)
}

func TestSSEUnmatchedReplyDropped(t *testing.T) {
	t.Parallel()

	s, backend, _ := newSSESession(t)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	// A reply for an id nobody is waiting on must be dropped without
	// breaking the session.
	stray, _ := transport.NewResponseMessage("g-999999", map[string]any{})
	payload, _ := json.Marshal(stray)
	backend.injectReply(string(payload))

	tools, err := s.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 1)
	assert.Zero(t, s.PendingCount())
}

func TestSSEDisconnectReportsTransportError(t *testing.T) {
	t.Parallel()

	backend := newSSEBackend()
	srv := httptest.NewServer(backend.handler())

	events := make(chan Event, 16)
	s := New(gateway.Backend{
		ID:        "fake-sse",
		URL:       srv.URL + "/sse",
		Transport: gateway.TransportSSE,
	}, Config{
		Events:     events,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	})
	t.Cleanup(s.Close)

	require.NoError(t, s.EnsureInitialized(context.Background()))

	srv.CloseClientConnections()
	srv.Close()

	select {
	case ev := <-events:
		assert.Equal(t, EventTransportError, ev.Kind)
		assert.Equal(t, "fake-sse", ev.BackendID)
	case <-time.After(5 * time.Second):
		t.Fatal("no transport error reported after stream drop")
	}
	assert.False(t, s.Initialized())
}
