// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sseclient implements a long-lived, reconnecting client for a
// backend's SSE endpoint.
//
// The client owns a single reader goroutine. Parsed frames and connection
// state changes are fanned out to subscribers over bounded queues; a slow
// subscriber never blocks the reader.
package sseclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/transport/ssecommon"
)

// EventKind discriminates the events delivered to subscribers.
type EventKind int

const (
	// EventConnected is delivered after the stream is established.
	EventConnected EventKind = iota

	// EventDisconnected is delivered when the stream drops; Reason carries
	// the cause. A reconnect attempt follows unless the client is stopped.
	EventDisconnected

	// EventFrame carries a parsed SSE frame.
	EventFrame

	// EventParseError reports a line the scanner could not process.
	EventParseError
)

// Event is a single notification from the SSE client.
type Event struct {
	Kind   EventKind
	Frame  ssecommon.Frame
	Reason error
	Line   string
}

// OverflowPolicy controls what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// DisconnectWhenFull closes the subscriber's channel and removes it.
	DisconnectWhenFull OverflowPolicy = iota

	// DropWhenFull silently drops the event for that subscriber.
	DropWhenFull
)

// ErrAlreadyStarted is returned by Start when the reader is already running.
var ErrAlreadyStarted = errors.New("sse client already started")

// ErrStopped is returned by Start after Stop has been called.
var ErrStopped = errors.New("sse client stopped")

const defaultScannerBuffer = 1024 * 1024 // 1 MB line buffer for large frames

// Config configures a Client.
type Config struct {
	// URL is the backend's event-stream URL.
	URL string

	// Headers are added to the dial request (e.g. backend auth).
	Headers http.Header

	// HTTPClient is the client used to dial. Defaults to a client with no
	// overall timeout; SSE streams are long-lived by design.
	HTTPClient *http.Client

	// BackoffMin and BackoffMax bound the reconnect curve.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Client is a reconnecting SSE reader for one backend.
type Client struct {
	cfg Config

	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextSubID   int
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}

	connected   atomic.Bool
	lastFrameAt atomic.Int64 // unix nanos of the last parsed frame
	stopOnce    sync.Once
}

type subscriber struct {
	ch     chan Event
	policy OverflowPolicy
}

// New creates an SSE client. Start must be called to begin reading.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Client{
		cfg:         cfg,
		subscribers: make(map[int]*subscriber),
		done:        make(chan struct{}),
	}
}

// Subscribe registers a subscriber with a bounded queue of the given size.
// The returned channel is closed when the subscriber is disconnected (by the
// overflow policy, by the returned cancel function, or by Stop).
// Handlers draining the channel must not perform blocking I/O inline; they
// should only enqueue.
func (c *Client) Subscribe(buffer int, policy OverflowPolicy) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	sub := &subscriber{
		ch:     make(chan Event, buffer),
		policy: policy,
	}
	if c.stopped {
		// Late subscriber on a stopped client gets a closed channel.
		close(sub.ch)
		return sub.ch, func() {}
	}
	c.subscribers[id] = sub

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Start launches the reader goroutine. It is idempotent in the sense that a
// second call returns ErrAlreadyStarted and leaves the single active reader
// untouched. Start after Stop returns ErrStopped.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	go c.run(runCtx)
	return nil
}

// Stop forbids further dials and cancels the reader. Concurrent calls result
// in exactly one close; subscriber channels are closed after the reader exits.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		cancel := c.cancel
		started := c.started
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if started {
			<-c.done
		}
		c.closeSubscribers()
	})
}

// IsConnected reports whether the stream is currently established.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// LastFrameAt returns the time of the last parsed frame, or the zero time if
// no frame has been received yet.
func (c *Client) LastFrameAt() time.Time {
	nanos := c.lastFrameAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// run is the dial/read/backoff loop. It exits when ctx is cancelled.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffMin
	bo.MaxInterval = c.cfg.BackoffMax
	bo.Reset()

	for {
		err := c.readStream(ctx, bo)

		c.connected.Store(false)
		if ctx.Err() != nil {
			c.publish(Event{Kind: EventDisconnected, Reason: context.Cause(ctx)})
			return
		}
		c.publish(Event{Kind: EventDisconnected, Reason: err})

		wait := bo.NextBackOff()
		logger.Debugw("SSE stream dropped, backing off before reconnect",
			"url", c.cfg.URL, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// readStream dials the endpoint and reads frames until the stream breaks.
// The backoff counter is reset once a clean frame arrives on the new stream.
func (c *Client) readStream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, vs := range c.cfg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to dial SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from SSE endpoint", resp.StatusCode)
	}

	c.connected.Store(true)
	c.publish(Event{Kind: EventConnected})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), defaultScannerBuffer)

	var parser ssecommon.Parser
	cleanFrame := false
	for scanner.Scan() {
		line := scanner.Text()
		frame, ok := parser.Feed(line)
		if !ok {
			continue
		}
		if !cleanFrame {
			// First complete frame on this connection; the link is good.
			bo.Reset()
			cleanFrame = true
		}
		c.lastFrameAt.Store(time.Now().UnixNano())
		c.publish(Event{Kind: EventFrame, Frame: frame})
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			c.publish(Event{Kind: EventParseError, Line: "", Reason: err})
		}
		return fmt.Errorf("SSE read error: %w", err)
	}
	return errors.New("SSE stream closed by server")
}

// publish delivers an event to all subscribers without blocking the reader.
func (c *Client) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, sub := range c.subscribers {
		select {
		case sub.ch <- ev:
		default:
			switch sub.policy {
			case DropWhenFull:
				logger.Debugw("SSE subscriber queue full, dropping event", "url", c.cfg.URL)
			case DisconnectWhenFull:
				logger.Warnw("SSE subscriber queue full, disconnecting subscriber", "url", c.cfg.URL)
				delete(c.subscribers, id)
				close(sub.ch)
			}
		}
	}
}

func (c *Client) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sub := range c.subscribers {
		delete(c.subscribers, id)
		close(sub.ch)
	}
}
