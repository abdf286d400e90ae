// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// clientSessionIdleTimeout evicts client sessions that have gone quiet.
const clientSessionIdleTimeout = 30 * time.Minute

// clientSession is the gateway-side state for one connected MCP client,
// keyed by the gateway-assigned Mcp-Session-Id.
type clientSession struct {
	id        string
	createdAt time.Time

	// protocolVersion is the version the client sent on initialize, echoed
	// back on the handshake. Immutable after create.
	protocolVersion string

	mu          sync.Mutex
	initialized bool
	lastSeen    time.Time

	// inflight maps the client's request id keys to cancel funcs, so
	// notifications/cancelled can abort the matching call.
	inflight map[string]context.CancelFunc
}

func (cs *clientSession) touch() {
	cs.mu.Lock()
	cs.lastSeen = time.Now()
	cs.mu.Unlock()
}

func (cs *clientSession) markInitialized() {
	cs.mu.Lock()
	cs.initialized = true
	cs.mu.Unlock()
}

func (cs *clientSession) registerCall(idKey string, cancel context.CancelFunc) {
	cs.mu.Lock()
	cs.inflight[idKey] = cancel
	cs.mu.Unlock()
}

func (cs *clientSession) finishCall(idKey string) {
	cs.mu.Lock()
	delete(cs.inflight, idKey)
	cs.mu.Unlock()
}

// cancelCall aborts the in-flight call with the given id key, if any.
func (cs *clientSession) cancelCall(idKey string) bool {
	cs.mu.Lock()
	cancel, ok := cs.inflight[idKey]
	cs.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// clientSessions is the table of connected clients. Safe for concurrent use.
type clientSessions struct {
	mu       sync.RWMutex
	sessions map[string]*clientSession
}

func newClientSessions() *clientSessions {
	return &clientSessions{sessions: make(map[string]*clientSession)}
}

// create mints a new client session with a fresh session id.
func (t *clientSessions) create(protocolVersion string) *clientSession {
	cs := &clientSession{
		id:              uuid.NewString(),
		createdAt:       time.Now(),
		protocolVersion: protocolVersion,
		lastSeen:        time.Now(),
		inflight:        make(map[string]context.CancelFunc),
	}

	t.mu.Lock()
	t.sessions[cs.id] = cs
	t.mu.Unlock()
	return cs
}

func (t *clientSessions) get(id string) (*clientSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cs, ok := t.sessions[id]
	return cs, ok
}

// sweep evicts sessions idle longer than the timeout and returns how many
// were removed.
func (t *clientSessions) sweep() int {
	cutoff := time.Now().Add(-clientSessionIdleTimeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, cs := range t.sessions {
		cs.mu.Lock()
		idle := cs.lastSeen.Before(cutoff)
		cs.mu.Unlock()
		if idle {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}
