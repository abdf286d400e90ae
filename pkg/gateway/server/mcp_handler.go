// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/authz"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/transport"
	"github.com/stacklok/mcp-gateway/pkg/transport/ssecommon"
)

// keepAliveInterval paces comment frames on client-facing SSE responses so
// idle-connection middleboxes do not cut long tool calls.
const keepAliveInterval = 15 * time.Second

// handleMCP is the single client-facing MCP endpoint.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, r, nil, fmt.Errorf("%w: failed to read request body", gateway.ErrInvalidParams), "", "")
		return
	}

	var msg transport.JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.writeRPC(w, r, mustError(nil, gateway.CodeInvalidRequest, "request body is not valid JSON-RPC", nil))
		return
	}
	if err := msg.Validate(); err != nil {
		s.writeRPC(w, r, mustError(msg.ID, gateway.CodeInvalidRequest, err.Error(), nil))
		return
	}

	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeError(w, r, msg.ID, err, "", "")
		return
	}

	if msg.Method == "initialize" {
		s.handleInitialize(w, r, &msg)
		return
	}

	cs, ok := s.clients.get(r.Header.Get(sessionIDHeader))
	if ok {
		cs.touch()
	}

	switch msg.Method {
	case "notifications/initialized":
		if ok {
			cs.markInitialized()
		}
		w.WriteHeader(http.StatusAccepted)

	case "notifications/cancelled":
		s.handleCancelled(cs, &msg)
		w.WriteHeader(http.StatusAccepted)

	case "ping":
		s.writeRPC(w, r, mustResult(msg.ID, map[string]any{}))

	case "tools/list":
		s.handleToolsList(w, r, identity, &msg)

	case "tools/call":
		if !ok {
			s.writeRPC(w, r, mustError(msg.ID, gateway.CodeInvalidRequest,
				"missing or unknown Mcp-Session-Id; initialize first", nil))
			return
		}
		s.handleToolsCall(w, r, cs, identity, &msg)

	default:
		if msg.IsNotification() {
			logger.Debugw("Ignoring client notification", "method", msg.Method)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.writeRPC(w, r, mustError(msg.ID, gateway.CodeMethodNotFound,
			fmt.Sprintf("method %q is not supported", msg.Method), nil))
	}
}

// handleInitialize performs the client-side MCP handshake: a fresh session
// id is minted and returned in the Mcp-Session-Id header. The client's
// protocol version is treated as opaque and echoed back.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, msg *transport.JSONRPCMessage) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}
	version := params.ProtocolVersion
	if version == "" {
		version = gateway.ProtocolVersion
	}

	cs := s.clients.create(version)
	w.Header().Set(sessionIDHeader, cs.id)

	result := map[string]any{
		"protocolVersion": cs.protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    "mcp-gateway",
			"version": "1.0",
		},
	}

	logger.Infow("Client session opened", "session", cs.id)
	s.writeRPC(w, r, mustResult(msg.ID, result))
}

// handleToolsList serves the aggregated catalog, filtered to the tools the
// caller is allowed to see.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request,
	identity authz.Identity, msg *transport.JSONRPCMessage) {
	snap, err := s.catalog.Get(r.Context())
	if err != nil {
		s.writeError(w, r, msg.ID, err, "", "")
		return
	}
	catalogServed.Inc()

	visible := make([]gateway.ToolEntry, 0, len(snap.Tools))
	for _, t := range snap.Tools {
		if s.auth.Authorize(identity, t.Name) == nil {
			visible = append(visible, t)
		}
	}

	s.writeRPC(w, r, mustResult(msg.ID, map[string]any{
		"tools":   visible,
		"partial": snap.Partial,
	}))
}

// callParams is the decoded tools/call parameter shape.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall authorizes, screens and forwards one tool call, honoring
// the per-call deadline, the caller's inflight quota and client disconnect.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request,
	cs *clientSession, identity authz.Identity, msg *transport.JSONRPCMessage) {
	var params callParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		s.writeError(w, r, msg.ID,
			fmt.Errorf("%w: tools/call requires a tool name", gateway.ErrInvalidParams), "", "")
		return
	}

	if err := s.auth.Authorize(identity, params.Name); err != nil {
		s.writeError(w, r, msg.ID, err, "", "")
		return
	}
	if err := s.auth.CheckArguments(params.Arguments); err != nil {
		s.writeError(w, r, msg.ID, err, "", "")
		return
	}

	release, err := s.quota.acquire(identity.Subject)
	if err != nil {
		s.writeError(w, r, msg.ID, err, "", "")
		return
	}
	defer release()
	inflightCalls.Inc()
	defer inflightCalls.Dec()

	entry, err := s.catalog.Resolve(r.Context(), params.Name)
	if err != nil {
		s.writeError(w, r, msg.ID, err, "", "")
		return
	}

	if !s.monitor.IsHealthy(entry.BackendID) {
		lastErr := ""
		if st, ok := s.monitor.Status(entry.BackendID); ok {
			lastErr = st.LastError
		}
		s.writeError(w, r, msg.ID,
			fmt.Errorf("%w: %s", gateway.ErrBackendUnhealthy, entry.BackendID),
			entry.BackendID, lastErr)
		return
	}

	sess, ok := s.monitor.SessionFor(entry.BackendID)
	if !ok {
		s.writeError(w, r, msg.ID,
			fmt.Errorf("%w: %s", gateway.ErrBackendUnhealthy, entry.BackendID), entry.BackendID, "")
		return
	}

	// The request context already ends on client disconnect; layer the
	// gateway's call deadline on top and register the cancel handle so
	// notifications/cancelled can abort the call by id.
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallDeadline)
	defer cancel()

	idKey := transport.IDKey(msg.ID)
	cs.registerCall(idKey, cancel)
	defer cs.finishCall(idKey)

	if acceptsSSE(r) {
		s.streamCall(ctx, w, middleware.GetReqID(r.Context()), msg.ID, sess, entry, params.Arguments)
		return
	}

	resp, err := sess.CallTool(ctx, entry.BackendName(), params.Arguments)
	if err != nil {
		s.writeError(w, r, msg.ID, err, entry.BackendID, "")
		return
	}
	observeCall(0)
	s.writeRPC(w, r, forwarded(msg.ID, resp))
}

// toolCaller is the session surface streamCall needs.
type toolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*transport.JSONRPCMessage, error)
}

// streamCall answers a tools/call over SSE: headers go out immediately,
// keep-alive comments pace the wait, and the reply is the final frame.
func (s *Server) streamCall(ctx context.Context, w http.ResponseWriter, correlationID string,
	id any, sess toolCaller, entry gateway.ToolEntry, arguments json.RawMessage) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Errorf("Response writer does not support streaming")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	type callResult struct {
		resp *transport.JSONRPCMessage
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		resp, err := sess.CallTool(ctx, entry.BackendName(), arguments)
		done <- callResult{resp: resp, err: err}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		case res := <-done:
			var out *transport.JSONRPCMessage
			if res.err != nil {
				observeCall(gateway.RPCCode(res.err))
				logger.Warnw("Streamed call failed",
					"correlation_id", correlationID, "backend", entry.BackendID, "error", res.err)
				out = rpcError(correlationID, id, res.err, entry.BackendID, "")
			} else {
				observeCall(0)
				out = forwarded(id, res.resp)
			}
			payload, err := json.Marshal(out)
			if err != nil {
				logger.Errorf("Failed to marshal streamed reply: %v", err)
				return
			}
			frame := ssecommon.NewSSEMessage("message", string(payload))
			_, _ = io.WriteString(w, frame.ToSSEString())
			flusher.Flush()
			return
		}
	}
}

// handleCancelled aborts the in-flight call named by the notification.
func (s *Server) handleCancelled(cs *clientSession, msg *transport.JSONRPCMessage) {
	if cs == nil {
		return
	}
	// Both the "requestId" and bare "id" params spellings are seen in the
	// wild; accept either.
	var params struct {
		RequestID any `json:"requestId"`
		ID        any `json:"id"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return
	}
	target := params.RequestID
	if target == nil {
		target = params.ID
	}
	if target == nil {
		return
	}
	key := transport.IDKey(target)
	if cs.cancelCall(key) {
		logger.Infow("Cancelled in-flight call", "session", cs.id, "request_id", key)
	}
}

// forwarded rewrites a backend reply envelope onto the client's request id.
// Result and error payloads pass through untouched.
func forwarded(clientID any, resp *transport.JSONRPCMessage) *transport.JSONRPCMessage {
	return &transport.JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      clientID,
		Result:  resp.Result,
		Error:   resp.Error,
	}
}

// rpcError builds a gateway-originated error envelope with the stable code
// for err and a correlation id matching the server logs.
func rpcError(correlationID string, id any, err error, backendID, lastError string) *transport.JSONRPCMessage {
	data := gateway.MarshalErrorData(gateway.ErrorData{
		CorrelationID: correlationID,
		BackendID:     backendID,
		LastError:     lastError,
	})

	return &transport.JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error: &transport.JSONRPCError{
			Code:    gateway.RPCCode(err),
			Message: err.Error(),
			Data:    data,
		},
	}
}

// writeError logs the failure and answers with its JSON-RPC mapping.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, id any, err error, backendID, lastError string) {
	correlationID := middleware.GetReqID(r.Context())
	code := gateway.RPCCode(err)
	observeCall(code)

	logger.Warnw("Request failed",
		"correlation_id", correlationID, "code", code,
		"backend", backendID, "error", err)

	s.writeRPC(w, r, rpcError(correlationID, id, err, backendID, lastError))
}

// writeRPC renders one envelope, as an SSE frame when the client asked for
// an event stream and as a JSON body otherwise.
func (s *Server) writeRPC(w http.ResponseWriter, r *http.Request, msg *transport.JSONRPCMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("Failed to marshal response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if acceptsSSE(r) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		frame := ssecommon.NewSSEMessage("message", string(payload))
		_, _ = io.WriteString(w, frame.ToSSEString())
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// acceptsSSE reports whether the client prefers an event-stream response.
func acceptsSSE(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/event-stream") &&
		!strings.HasPrefix(accept, "application/json")
}

func mustResult(id any, result any) *transport.JSONRPCMessage {
	msg, err := transport.NewResponseMessage(id, result)
	if err != nil {
		logger.Errorf("Failed to build response: %v", err)
		return &transport.JSONRPCMessage{JSONRPC: "2.0", ID: id,
			Error: &transport.JSONRPCError{Code: gateway.CodeInternal, Message: "internal error"}}
	}
	return msg
}

func mustError(id any, code int, message string, data any) *transport.JSONRPCMessage {
	msg, err := transport.NewErrorMessage(id, code, message, data)
	if err != nil {
		return &transport.JSONRPCMessage{JSONRPC: "2.0", ID: id,
			Error: &transport.JSONRPCError{Code: code, Message: message}}
	}
	return msg
}
