// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the set of registered backend descriptors and
// notifies subscribers of fleet changes.
//
// Descriptors are immutable once registered; updating a backend is performed
// as deregister + register. Health state is tracked separately by the health
// supervisor.
package registry

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Registry is the in-memory backend descriptor store.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]gateway.Backend
	subs     []chan gateway.Event
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		backends: make(map[string]gateway.Backend),
	}
}

// Subscribe returns a channel of backend lifecycle events. Events are
// delivered best-effort: a subscriber that falls behind its buffer loses
// events (the health supervisor periodically reconciles against List, so a
// lost event degrades to a delayed reaction, not a wrong one).
func (r *Registry) Subscribe(buffer int) <-chan gateway.Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan gateway.Event, buffer)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, ch)
	return ch
}

// Register adds a backend descriptor. Duplicate ids are rejected with
// gateway.ErrAlreadyExists. On success a backend_added event is fired.
func (r *Registry) Register(b gateway.Backend) error {
	if err := validate(b); err != nil {
		return err
	}
	b.RegisteredAt = time.Now()

	r.mu.Lock()
	if _, exists := r.backends[b.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", gateway.ErrAlreadyExists, b.ID)
	}
	r.backends[b.ID] = b
	r.mu.Unlock()

	logger.Infow("Registered backend", "backend", b.ID, "url", b.URL, "transport", b.Transport)
	r.Publish(gateway.Event{Kind: gateway.EventBackendAdded, BackendID: b.ID})
	return nil
}

// Deregister removes a backend descriptor. Missing ids are rejected with
// gateway.ErrNotFound. On success a backend_removed event is fired; consumers
// must release the backend's resources idempotently.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	if _, exists := r.backends[id]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", gateway.ErrNotFound, id)
	}
	delete(r.backends, id)
	r.mu.Unlock()

	logger.Infow("Deregistered backend", "backend", id)
	r.Publish(gateway.Event{Kind: gateway.EventBackendRemoved, BackendID: id})
	return nil
}

// Get returns the descriptor for a backend id.
func (r *Registry) Get(id string) (gateway.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	return b, ok
}

// List returns a coherent snapshot of all descriptors, sorted by id.
func (r *Registry) List() []gateway.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]gateway.Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Publish fans an event out to all subscribers. The registry publishes fleet
// changes itself; the health supervisor publishes health transitions through
// the same channel so subscribers see one ordered-per-subscriber feed.
func (r *Registry) Publish(ev gateway.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			logger.Debugw("Registry subscriber queue full, dropping event",
				"kind", ev.Kind, "backend", ev.BackendID)
		}
	}
}

func validate(b gateway.Backend) error {
	if b.ID == "" {
		return fmt.Errorf("backend id is required")
	}
	if !b.Transport.Valid() {
		return fmt.Errorf("unsupported transport %q for backend %s", b.Transport, b.ID)
	}
	u, err := url.Parse(b.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q for backend %s", b.URL, b.ID)
	}
	return nil
}

// seedFile is the YAML shape of the startup backend list.
type seedFile struct {
	Backends []gateway.Backend `yaml:"backends"`
}

// LoadSeedFile registers every backend listed in the YAML file at path.
// Used at startup so the gateway comes up with a fleet without admin calls.
func (r *Registry) LoadSeedFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backends file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("failed to parse backends file: %w", err)
	}

	for _, b := range seed.Backends {
		if err := r.Register(b); err != nil {
			return fmt.Errorf("failed to register backend %q from seed file: %w", b.ID, err)
		}
	}
	logger.Infof("Loaded %d backends from %s", len(seed.Backends), path)
	return nil
}
