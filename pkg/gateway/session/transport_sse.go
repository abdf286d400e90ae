// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/transport/sseclient"
)

// sseSubscriberBuffer sizes the demux queue between the SSE reader and the
// session. The demultiplexer only routes by id, so it drains fast; the
// buffer absorbs reply bursts from large fan-outs.
const sseSubscriberBuffer = 256

// bindSSE starts the owned SSE client and waits for the backend's endpoint
// frame announcing the messages URL. It is called from initialize under the
// init singleflight, so at most one bind runs at a time.
func (s *Session) bindSSE(ctx context.Context) error {
	if s.sse == nil {
		s.sse = sseclient.New(sseclient.Config{
			URL:        s.backend.URL,
			HTTPClient: s.cfg.HTTPClient,
			BackoffMin: s.cfg.BackoffMin,
			BackoffMax: s.cfg.BackoffMax,
		})

		events, cancel := s.sse.Subscribe(sseSubscriberBuffer, sseclient.DisconnectWhenFull)
		s.sseCancel = cancel
		go s.demux(events)

		if err := s.sse.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to start SSE client for backend %s: %w", s.backend.ID, err)
		}
	}

	// Wait for the endpoint frame (or an already-learned URL on re-init).
	if s.messagesURL.Load() != nil {
		return nil
	}
	select {
	case <-s.endpointCh:
		return nil
	case <-time.After(endpointWaitTimeout):
		return fmt.Errorf("%w: backend %s sent no endpoint frame within %v",
			gateway.ErrTransport, s.backend.ID, endpointWaitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// demux is the session's single consumer of the SSE stream. Frames are
// routed by correlation id; connection drops break the session.
func (s *Session) demux(events <-chan sseclient.Event) {
	endpointSeen := false
	for ev := range events {
		switch ev.Kind {
		case sseclient.EventConnected:
			logger.Debugw("SSE stream established", "backend", s.backend.ID)

		case sseclient.EventDisconnected:
			if s.closed.Load() {
				return
			}
			s.markBroken(ev.Reason)

		case sseclient.EventParseError:
			logger.Warnw("SSE parse error", "backend", s.backend.ID, "line", ev.Line)

		case sseclient.EventFrame:
			switch ev.Frame.Event {
			case "endpoint":
				resolved, err := s.resolveURL(ev.Frame.Data)
				if err != nil {
					logger.Errorw("Invalid endpoint frame from backend",
						"backend", s.backend.ID, "data", ev.Frame.Data, "error", err)
					continue
				}
				s.messagesURL.Store(&resolved)
				if !endpointSeen {
					endpointSeen = true
					close(s.endpointCh)
				}
				logger.Debugw("Learned messages URL", "backend", s.backend.ID, "url", resolved)

			case "message":
				s.decodeAndDispatch([]byte(ev.Frame.Data))

			default:
				logger.Debugw("Ignoring SSE frame", "backend", s.backend.ID, "event", ev.Frame.Event)
			}
		}
	}
}

// postSSE writes one JSON-RPC payload to the messages URL. Replies arrive on
// the SSE stream, never in this response body.
func (s *Session) postSSE(ctx context.Context, payload []byte) error {
	urlPtr := s.messagesURL.Load()
	if urlPtr == nil {
		return fmt.Errorf("%w: messages URL not learned yet for backend %s", gateway.ErrTransport, s.backend.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *urlPtr, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer drainBody(resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend %s messages endpoint returned status %d", s.backend.ID, resp.StatusCode)
	}
	return nil
}
