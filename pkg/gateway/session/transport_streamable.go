// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/transport"
)

// sessionIDHeader carries the backend-assigned session identifier on the
// streamable-HTTP transport.
const sessionIDHeader = "Mcp-Session-Id"

// writeRequest sends one correlated request over the session's transport.
// The reply is always delivered through dispatch, never returned here.
func (s *Session) writeRequest(ctx context.Context, req *transport.JSONRPCMessage) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	switch s.backend.Transport {
	case gateway.TransportSSE:
		return s.postSSE(ctx, payload)
	case gateway.TransportStreamableHTTP:
		return s.postStreamable(ctx, payload, transport.IDKey(req.ID))
	default:
		return fmt.Errorf("unsupported transport %q", s.backend.Transport)
	}
}

// writeMessage sends a fire-and-forget notification. No sink is registered;
// any response body content is drained and discarded.
func (s *Session) writeMessage(ctx context.Context, msg *transport.JSONRPCMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	switch s.backend.Transport {
	case gateway.TransportSSE:
		return s.postSSE(ctx, payload)
	case gateway.TransportStreamableHTTP:
		return s.postStreamable(ctx, payload, "")
	default:
		return fmt.Errorf("unsupported transport %q", s.backend.Transport)
	}
}

// postStreamable POSTs one payload to the backend URL and consumes the
// response. Inline JSON bodies carry the reply directly; text/event-stream
// bodies are read frame by frame until the stream ends. reqID names the
// in-flight request so a stream that ends without replying can fail it,
// rather than leaving the caller to hit its deadline.
func (s *Session) postStreamable(ctx context.Context, payload []byte, reqID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.backend.URL, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := s.sessionID.Load(); sid != nil {
		req.Header.Set(sessionIDHeader, *sid)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		s.sessionID.Store(&sid)
	}

	if resp.StatusCode >= 300 {
		drainBody(resp.Body)
		return fmt.Errorf("backend %s returned status %d", s.backend.ID, resp.StatusCode)
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch ct {
	case "text/event-stream":
		// The reply arrives as a frame somewhere in the stream. Read it off
		// the calling path so roundTrip can wait on its sink with the
		// caller's deadline.
		go s.consumeStream(resp.Body, reqID)
		return nil

	case "application/json":
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
		if err != nil {
			return fmt.Errorf("failed to read response from backend %s: %w", s.backend.ID, err)
		}
		s.decodeAndDispatch(raw)
		return nil

	default:
		// Notifications get 202/empty bodies from most servers.
		drainBody(resp.Body)
		if resp.StatusCode == http.StatusAccepted || resp.ContentLength == 0 {
			return nil
		}
		return fmt.Errorf("backend %s returned unexpected content type %q", s.backend.ID, ct)
	}
}

// consumeStream reads a streamable-HTTP SSE body to completion. If the
// stream ends before the named request's reply arrived, that request fails
// with a transport error instead of waiting out its deadline.
func (s *Session) consumeStream(body io.ReadCloser, reqID string) {
	defer body.Close()

	if err := s.readSSEBody(body); err != nil {
		logger.Warnw("Error reading streamable response body",
			"backend", s.backend.ID, "error", err)
	}

	if reqID == "" {
		return
	}
	s.mu.Lock()
	sink, ok := s.pending[reqID]
	if ok {
		delete(s.pending, reqID)
	}
	s.mu.Unlock()
	if ok {
		sink.complete(outcome{err: fmt.Errorf("%w: %v", gateway.ErrTransport, errStreamEnded)})
	}
}
