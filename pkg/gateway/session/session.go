// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session drives the MCP lifecycle against one backend: the
// initialize handshake, the outstanding-request table keyed by JSON-RPC id,
// and the demultiplexing of asynchronous replies back to waiting callers.
//
// A session owns its transport. For the SSE variant it binds an sseclient
// and learns the companion messages URL from the first endpoint frame; for
// the streamable-HTTP variant both directions go through one URL and the
// response Content-Type selects the inline or streaming path.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/transport"
	"github.com/stacklok/mcp-gateway/pkg/transport/ssecommon"
	"github.com/stacklok/mcp-gateway/pkg/transport/sseclient"
)

// EventKind discriminates session reports to the supervisor.
type EventKind string

const (
	// EventTransportError reports a broken transport. The supervisor counts
	// it as a failed probe and decides when to restart the session.
	EventTransportError EventKind = "transport_error"

	// EventToolsChanged reports a backend notification that its tool list
	// changed; the catalog invalidates on it.
	EventToolsChanged EventKind = "tools_changed"
)

// Event is a one-way report from a session to the supervisor. Sessions never
// hold a pointer back into the supervisor.
type Event struct {
	BackendID string
	Kind      EventKind
	Err       error
}

// endpointWaitTimeout bounds how long an SSE-transport init waits for the
// backend's endpoint frame.
const endpointWaitTimeout = 10 * time.Second

// Config configures a Session.
type Config struct {
	// HTTPClient is used for all POSTs to the backend.
	HTTPClient *http.Client

	// BackoffMin and BackoffMax are handed to the owned SSE client.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Events receives one-way session reports. May be nil.
	Events chan<- Event
}

// Session is the stateful channel between the gateway and one backend.
// All methods are safe for concurrent use.
type Session struct {
	backend gateway.Backend
	cfg     Config

	// pending maps request-id keys to their sinks. Guarded by mu; the lock
	// is never held while delivering to a sink.
	mu      sync.Mutex
	pending map[string]*responseSink

	seq atomic.Uint64 // request id counter, unique within the session

	initGroup   singleflight.Group
	initialized atomic.Bool
	closed      atomic.Bool

	// SSE transport state.
	sse         *sseclient.Client
	sseCancel   func()
	messagesURL atomic.Pointer[string]
	endpointCh  chan struct{} // closed once the endpoint frame arrives

	// sessionID is the backend-assigned Mcp-Session-Id, if any.
	sessionID atomic.Pointer[string]
}

// New creates a session for the backend. No I/O happens until
// EnsureInitialized.
func New(backend gateway.Backend, cfg Config) *Session {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Session{
		backend:    backend,
		cfg:        cfg,
		pending:    make(map[string]*responseSink),
		endpointCh: make(chan struct{}),
	}
}

// Backend returns the backend descriptor this session serves.
func (s *Session) Backend() gateway.Backend {
	return s.backend
}

// Initialized reports whether the MCP handshake has completed.
func (s *Session) Initialized() bool {
	return s.initialized.Load()
}

// nextID allocates a fresh request id, unique within this session.
func (s *Session) nextID() string {
	return fmt.Sprintf("g-%06d", s.seq.Add(1))
}

// EnsureInitialized performs the MCP handshake if it has not happened yet.
// Concurrent callers share one in-flight initialization.
func (s *Session) EnsureInitialized(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}
	if s.closed.Load() {
		return gateway.ErrSessionClosed
	}

	_, err, _ := s.initGroup.Do("init", func() (any, error) {
		if s.initialized.Load() {
			return nil, nil
		}
		return nil, s.initialize(ctx)
	})
	return err
}

func (s *Session) initialize(ctx context.Context) error {
	if s.backend.Transport == gateway.TransportSSE {
		if err := s.bindSSE(ctx); err != nil {
			return err
		}
	}

	params := mcp.InitializeParams{
		ProtocolVersion: gateway.ProtocolVersion,
		ClientInfo: mcp.Implementation{
			Name:    "mcp-gateway",
			Version: "1.0",
		},
		Capabilities: mcp.ClientCapabilities{},
	}

	resp, err := s.roundTrip(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize failed for backend %s: %w", s.backend.ID, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%w: backend %s rejected initialize: %s",
			gateway.ErrTransport, s.backend.ID, resp.Error.Message)
	}

	note, err := transport.NewNotificationMessage("notifications/initialized", nil)
	if err != nil {
		return err
	}
	if err := s.writeMessage(ctx, note); err != nil {
		return fmt.Errorf("notifications/initialized failed for backend %s: %w", s.backend.ID, err)
	}

	s.initialized.Store(true)
	logger.Infow("MCP session initialized", "backend", s.backend.ID, "transport", s.backend.Transport)
	return nil
}

// ListTools sends tools/list and decodes the correlated reply.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: tools/list failed on backend %s: %s",
			gateway.ErrTransport, s.backend.ID, resp.Error.Message)
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list result from backend %s: %w", s.backend.ID, err)
	}
	return result.Tools, nil
}

// CallTool sends tools/call and returns the correlated reply envelope
// verbatim (result or error untouched). The caller's ctx carries the
// deadline and cancellation; on cancellation a best-effort
// notifications/cancelled is sent to the backend.
func (s *Session) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*transport.JSONRPCMessage, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = json.RawMessage(arguments)
	}
	return s.roundTrip(ctx, "tools/call", params)
}

// Ping is the supervisor's lightweight liveness probe. MCP has no dedicated
// ping on every backend, so tools/list doubles as the probe.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.ListTools(ctx)
	return err
}

// roundTrip sends one correlated request and waits for its reply. The sink
// is registered before the write so a reply racing the registration cannot
// be dropped; a failed write removes the sink and fails locally.
func (s *Session) roundTrip(ctx context.Context, method string, params any) (*transport.JSONRPCMessage, error) {
	if s.closed.Load() {
		return nil, gateway.ErrSessionClosed
	}

	id := s.nextID()
	req, err := transport.NewRequestMessage(method, params, id)
	if err != nil {
		return nil, err
	}

	sink := newResponseSink()
	s.mu.Lock()
	s.pending[id] = sink
	s.mu.Unlock()

	if err := s.writeRequest(ctx, req); err != nil {
		s.removeSink(id)
		if ctx.Err() != nil {
			s.notifyCancelled(id)
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: write to backend %s failed: %v", gateway.ErrTransport, s.backend.ID, err)
	}

	select {
	case o := <-sink.wait():
		if o.err != nil {
			return nil, o.err
		}
		return o.msg, nil
	case <-ctx.Done():
		s.removeSink(id)
		sink.complete(outcome{err: ctx.Err()})
		s.notifyCancelled(id)
		return nil, ctx.Err()
	}
}

// notifyCancelled sends a best-effort notifications/cancelled for the given
// request id. Failure is logged and ignored; cancellation is already
// complete locally.
func (s *Session) notifyCancelled(id string) {
	note, err := transport.NewNotificationMessage("notifications/cancelled", map[string]any{
		"requestId": id,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.writeMessage(ctx, note); err != nil {
		logger.Debugw("Best-effort cancel notification failed",
			"backend", s.backend.ID, "request_id", id, "error", err)
	}
}

// dispatch routes an incoming message to its waiting sink by id. Unmatched
// replies are logged and dropped; notifications are translated to events.
func (s *Session) dispatch(msg *transport.JSONRPCMessage) {
	if msg.IsNotification() {
		s.handleNotification(msg)
		return
	}
	if !msg.IsResponse() {
		logger.Debugw("Ignoring non-response message from backend",
			"backend", s.backend.ID, "method", msg.Method)
		return
	}

	key := transport.IDKey(msg.ID)
	s.mu.Lock()
	sink, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if !ok {
		logger.Warnw("Dropping reply with no waiting sink",
			"backend", s.backend.ID, "id", key)
		return
	}
	sink.complete(outcome{msg: msg})
}

// handleNotification reacts to unsolicited backend notifications. The exact
// tool-change event name varies between servers, so both spellings are
// accepted; TTL-driven refresh covers backends that send neither.
func (s *Session) handleNotification(msg *transport.JSONRPCMessage) {
	switch msg.Method {
	case "notifications/tools/list_changed", "notifications/catalog_changed":
		s.report(Event{BackendID: s.backend.ID, Kind: EventToolsChanged})
	default:
		logger.Debugw("Ignoring backend notification",
			"backend", s.backend.ID, "method", msg.Method)
	}
}

func (s *Session) report(ev Event) {
	if s.cfg.Events == nil {
		return
	}
	select {
	case s.cfg.Events <- ev:
	default:
		logger.Debugw("Session event channel full, dropping event",
			"backend", ev.BackendID, "kind", ev.Kind)
	}
}

// markBroken fails all pending requests with a transport error and reports
// the failure. Restart is the supervisor's decision, not the session's.
func (s *Session) markBroken(cause error) {
	s.initialized.Store(false)
	s.failAllPending(fmt.Errorf("%w: %v", gateway.ErrTransport, cause))
	s.report(Event{BackendID: s.backend.ID, Kind: EventTransportError, Err: cause})
}

// failAllPending completes every outstanding sink with err. Sinks are
// collected under the lock and completed outside it.
func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	sinks := make([]*responseSink, 0, len(s.pending))
	for id, sink := range s.pending {
		delete(s.pending, id)
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.complete(outcome{err: err})
	}
}

func (s *Session) removeSink(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// PendingCount returns the number of outstanding requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close fails all pending requests with ErrSessionClosed, stops the owned
// SSE client and clears session state. Close is idempotent.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.initialized.Store(false)
	s.failAllPending(gateway.ErrSessionClosed)
	if s.sseCancel != nil {
		s.sseCancel()
	}
	if s.sse != nil {
		s.sse.Stop()
	}
	logger.Debugw("MCP session closed", "backend", s.backend.ID)
}

// resolveURL resolves a possibly relative endpoint reference against the
// backend base URL.
func (s *Session) resolveURL(ref string) (string, error) {
	base, err := url.Parse(s.backend.URL)
	if err != nil {
		return "", err
	}
	target, err := base.Parse(ref)
	if err != nil {
		return "", err
	}
	return target.String(), nil
}

// drainBody discards and closes a response body so the connection can be
// reused.
func drainBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// errStreamEnded reports a streamable response body that ended before the
// correlated reply arrived.
var errStreamEnded = errors.New("response stream ended before reply")

// readSSEBody reads SSE frames from a streamable-HTTP response body and
// dispatches each JSON-RPC message until the stream ends.
func (s *Session) readSSEBody(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var parser ssecommon.Parser
	for scanner.Scan() {
		frame, ok := parser.Feed(scanner.Text())
		if !ok {
			continue
		}
		s.decodeAndDispatch([]byte(frame.Data))
	}
	return scanner.Err()
}

// decodeAndDispatch parses one JSON-RPC payload and routes it.
func (s *Session) decodeAndDispatch(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	var msg transport.JSONRPCMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warnw("Failed to parse JSON-RPC payload from backend",
			"backend", s.backend.ID, "error", err)
		return
	}
	s.dispatch(&msg)
}
