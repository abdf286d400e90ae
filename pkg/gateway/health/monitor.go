// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health supervises backend liveness.
//
// The monitor owns one session per registered backend and probes it on a
// fixed interval. A backend flips unhealthy after a configured number of
// consecutive failures and flips back on the first success. Transport errors
// reported by sessions between probes count as failures too, so a dead
// stream is noticed before the next tick.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/session"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// probeTimeout bounds a single liveness probe.
const probeTimeout = 10 * time.Second

// eventBuffer sizes the shared session-report queue.
const eventBuffer = 256

// Invalidator receives cache-invalidation signals on health and fleet
// transitions.
type Invalidator interface {
	Invalidate()
}

// Registry is the slice of the backend registry the monitor needs. Publish
// is used to announce health transitions to the registry's subscribers.
type Registry interface {
	Get(id string) (gateway.Backend, bool)
	List() []gateway.Backend
	Subscribe(buffer int) <-chan gateway.Event
	Publish(ev gateway.Event)
}

// Config configures the monitor.
type Config struct {
	ProbeInterval time.Duration
	FailThreshold int
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	// SessionConfig is the template for per-backend sessions. The Events
	// channel is overwritten by the monitor.
	SessionConfig session.Config
}

// managed is the monitor's per-backend state: the live session, its health
// counters and the prober's cancel handle.
type managed struct {
	backend gateway.Backend
	cancel  context.CancelFunc

	mu      sync.Mutex
	session *session.Session
	health  gateway.Health
}

// Monitor supervises all backend sessions. Safe for concurrent use.
type Monitor struct {
	registry Registry
	cfg      Config
	catalog  Invalidator

	events chan session.Event

	mu       sync.RWMutex
	backends map[string]*managed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. Start must be called before use.
func NewMonitor(reg Registry, catalog Invalidator, cfg Config) *Monitor {
	if cfg.FailThreshold < 1 {
		cfg.FailThreshold = 3
	}
	return &Monitor{
		registry: reg,
		cfg:      cfg,
		catalog:  catalog,
		events:   make(chan session.Event, eventBuffer),
		backends: make(map[string]*managed),
	}
}

// Start begins supervision: one prober per registered backend, plus loops
// consuming registry events and session reports. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	regEvents := m.registry.Subscribe(eventBuffer)

	for _, b := range m.registry.List() {
		m.adopt(b)
	}

	m.wg.Add(2)
	go m.registryLoop(regEvents)
	go m.sessionLoop()
}

// Stop tears down all sessions and waits for the probers to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	for id, mb := range m.backends {
		mb.cancel()
		mb.mu.Lock()
		mb.session.Close()
		mb.mu.Unlock()
		delete(m.backends, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// IsHealthy reports whether the backend is currently considered healthy.
// Unknown backends are unhealthy.
func (m *Monitor) IsHealthy(backendID string) bool {
	m.mu.RLock()
	mb, ok := m.backends[backendID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.health.IsHealthy
}

// SessionFor returns the live session for a backend id.
func (m *Monitor) SessionFor(backendID string) (*session.Session, bool) {
	m.mu.RLock()
	mb, ok := m.backends[backendID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.session, true
}

// Statuses returns a health snapshot for every supervised backend.
func (m *Monitor) Statuses() []gateway.Health {
	m.mu.RLock()
	managedList := make([]*managed, 0, len(m.backends))
	for _, mb := range m.backends {
		managedList = append(managedList, mb)
	}
	m.mu.RUnlock()

	out := make([]gateway.Health, 0, len(managedList))
	for _, mb := range managedList {
		mb.mu.Lock()
		out = append(out, mb.health)
		mb.mu.Unlock()
	}
	return out
}

// Status returns the health snapshot for one backend.
func (m *Monitor) Status(backendID string) (gateway.Health, bool) {
	m.mu.RLock()
	mb, ok := m.backends[backendID]
	m.mu.RUnlock()
	if !ok {
		return gateway.Health{}, false
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.health, true
}

// adopt starts supervising a backend: creates its session and prober.
// Registration order means the backend starts healthy with zero failures
// and is probed immediately.
func (m *Monitor) adopt(b gateway.Backend) {
	sessCfg := m.cfg.SessionConfig
	sessCfg.BackoffMin = m.cfg.BackoffMin
	sessCfg.BackoffMax = m.cfg.BackoffMax
	sessCfg.Events = m.events

	proberCtx, cancel := context.WithCancel(m.ctx)
	mb := &managed{
		backend: b,
		cancel:  cancel,
		session: session.New(b, sessCfg),
		health: gateway.Health{
			BackendID: b.ID,
			IsHealthy: true,
		},
	}

	m.mu.Lock()
	if _, exists := m.backends[b.ID]; exists {
		m.mu.Unlock()
		cancel()
		return
	}
	m.backends[b.ID] = mb
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(proberCtx, mb)
	logger.Infow("Supervising backend", "backend", b.ID)
}

// release stops supervising a backend and closes its session.
func (m *Monitor) release(id string) {
	m.mu.Lock()
	mb, ok := m.backends[id]
	if ok {
		delete(m.backends, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	mb.cancel()
	mb.mu.Lock()
	mb.session.Close()
	mb.mu.Unlock()

	m.catalog.Invalidate()
	logger.Infow("Released backend", "backend", id)
}

// registryLoop reacts to fleet changes. Event delivery is best-effort, so a
// periodic reconcile against the registry catches anything dropped on a full
// subscriber queue.
func (m *Monitor) registryLoop(events <-chan gateway.Event) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reconcile()
		case ev := <-events:
			switch ev.Kind {
			case gateway.EventBackendAdded:
				if b, ok := m.registry.Get(ev.BackendID); ok {
					m.adopt(b)
					m.catalog.Invalidate()
				}
			case gateway.EventBackendRemoved:
				m.release(ev.BackendID)
			}
		}
	}
}

// reconcile trues the supervised set up against the registry: backends whose
// backend_added event was lost are adopted, backends whose backend_removed
// event was lost are released.
func (m *Monitor) reconcile() {
	listed := m.registry.List()
	want := make(map[string]bool, len(listed))

	for _, b := range listed {
		want[b.ID] = true
		m.mu.RLock()
		_, supervised := m.backends[b.ID]
		m.mu.RUnlock()
		if !supervised {
			logger.Warnw("Adopting backend missed by event delivery", "backend", b.ID)
			m.adopt(b)
			m.catalog.Invalidate()
		}
	}

	m.mu.RLock()
	var stale []string
	for id := range m.backends {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		logger.Warnw("Releasing backend missed by event delivery", "backend", id)
		m.release(id)
	}
}

// sessionLoop consumes one-way session reports: transport errors count as
// passive probe failures, tool-change notifications invalidate the catalog.
func (m *Monitor) sessionLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			switch ev.Kind {
			case session.EventTransportError:
				m.mu.RLock()
				mb, ok := m.backends[ev.BackendID]
				m.mu.RUnlock()
				if ok {
					m.recordFailure(mb, ev.Err)
				}
			case session.EventToolsChanged:
				logger.Infow("Backend reported tool list change", "backend", ev.BackendID)
				m.catalog.Invalidate()
			}
		}
	}
}

// probeLoop probes one backend forever: immediately on adoption, then on
// every tick.
func (m *Monitor) probeLoop(ctx context.Context, mb *managed) {
	defer m.wg.Done()

	m.probe(ctx, mb)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, mb)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, mb *managed) {
	mb.mu.Lock()
	sess := mb.session
	mb.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := sess.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.recordFailure(mb, err)
		return
	}
	m.recordSuccess(mb)
}

// recordSuccess resets the failure counter and flips the backend healthy on
// an unhealthy-to-healthy transition.
func (m *Monitor) recordSuccess(mb *managed) {
	mb.mu.Lock()
	mb.health.ConsecutiveFailures = 0
	mb.health.LastError = ""
	now := time.Now()
	mb.health.LastSuccessAt = now
	mb.health.LastProbeAt = now
	recovered := !mb.health.IsHealthy
	mb.health.IsHealthy = true
	mb.mu.Unlock()

	if recovered {
		logger.Infow("Backend recovered", "backend", mb.backend.ID)
		m.catalog.Invalidate()
		m.registry.Publish(gateway.Event{Kind: gateway.EventBackendHealthy, BackendID: mb.backend.ID})
	}
}

// recordFailure increments the failure counter; crossing the threshold flips
// the backend unhealthy, closes the broken session and replaces it so the
// next probe reconnects from scratch.
func (m *Monitor) recordFailure(mb *managed, cause error) {
	mb.mu.Lock()
	mb.health.ConsecutiveFailures++
	if cause != nil {
		mb.health.LastError = cause.Error()
	}
	now := time.Now()
	mb.health.LastProbeAt = now

	flipped := mb.health.IsHealthy && mb.health.ConsecutiveFailures >= m.cfg.FailThreshold
	if flipped {
		mb.health.IsHealthy = false
	}

	var old *session.Session
	if flipped {
		old = mb.session
		sessCfg := m.cfg.SessionConfig
		sessCfg.BackoffMin = m.cfg.BackoffMin
		sessCfg.BackoffMax = m.cfg.BackoffMax
		sessCfg.Events = m.events
		mb.session = session.New(mb.backend, sessCfg)
	}
	failures := mb.health.ConsecutiveFailures
	mb.mu.Unlock()

	if flipped {
		logger.Warnw("Backend flipped unhealthy",
			"backend", mb.backend.ID, "consecutive_failures", failures, "error", cause)
		old.Close()
		m.catalog.Invalidate()
		m.registry.Publish(gateway.Event{Kind: gateway.EventBackendUnhealthy, BackendID: mb.backend.ID})
	} else {
		logger.Debugw("Backend probe failed",
			"backend", mb.backend.ID, "consecutive_failures", failures, "error", cause)
	}
}
