// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package catalog aggregates tool lists from healthy backends into one
// deduplicated, cached catalog.
//
// Builds are coalesced with singleflight so a thundering herd of clients
// after an invalidation triggers exactly one fan-out. The cache expires on a
// TTL and is invalidated eagerly on fleet and health transitions.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// listTimeout bounds a single backend's tools/list during a build so one
// slow backend cannot stall the whole catalog.
const listTimeout = 15 * time.Second

// ToolLister is the slice of the session surface the catalog needs.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// SessionProvider hands out the live session for a backend id.
type SessionProvider interface {
	SessionFor(backendID string) (ToolLister, bool)
}

// HealthChecker reports whether a backend is currently healthy.
type HealthChecker interface {
	IsHealthy(backendID string) bool
}

// BackendLister returns the current fleet snapshot.
type BackendLister interface {
	List() []gateway.Backend
}

// Snapshot is one immutable build of the aggregated catalog.
type Snapshot struct {
	// Tools is sorted by exposed name.
	Tools []gateway.ToolEntry

	// Partial is true when at least one healthy backend failed to list
	// during the build.
	Partial bool

	// BuiltAt is the build completion time.
	BuiltAt time.Time

	// Generation increments on every rebuild.
	Generation uint64
}

// Catalog is the aggregated tool catalog. Safe for concurrent use.
type Catalog struct {
	backends BackendLister
	sessions SessionProvider
	health   HealthChecker
	policy   gateway.CollisionPolicy
	ttl      time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	current  *Snapshot
	genCount uint64
}

// New creates a catalog over the given fleet, sessions and health views.
func New(backends BackendLister, sessions SessionProvider, health HealthChecker,
	policy gateway.CollisionPolicy, ttl time.Duration) *Catalog {
	return &Catalog{
		backends: backends,
		sessions: sessions,
		health:   health,
		policy:   policy,
		ttl:      ttl,
	}
}

// Get returns the current snapshot, rebuilding it when stale or absent.
// Concurrent callers of a rebuild share one build.
func (c *Catalog) Get(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap := c.current
	c.mu.RUnlock()

	if snap != nil && time.Since(snap.BuiltAt) < c.ttl {
		return snap, nil
	}

	v, err, _ := c.group.Do("build", func() (any, error) {
		// A build finished while we queued; reuse it.
		c.mu.RLock()
		cur := c.current
		c.mu.RUnlock()
		if cur != nil && cur != snap && time.Since(cur.BuiltAt) < c.ttl {
			return cur, nil
		}
		// The build is shared by every coalesced waiter, so it must not die
		// with the first caller's request. The per-backend list timeout still
		// bounds it.
		return c.build(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Resolve maps an exposed tool name to its catalog entry. Under the prefix
// policy an unqualified name is accepted when it is unambiguous across
// backends; two owners make it gateway.ErrAmbiguousTool.
func (c *Catalog) Resolve(ctx context.Context, name string) (gateway.ToolEntry, error) {
	snap, err := c.Get(ctx)
	if err != nil {
		return gateway.ToolEntry{}, err
	}

	i := sort.Search(len(snap.Tools), func(i int) bool { return snap.Tools[i].Name >= name })
	if i < len(snap.Tools) && snap.Tools[i].Name == name {
		return snap.Tools[i], nil
	}

	// Unqualified fallback: match on the original name.
	var found []gateway.ToolEntry
	for _, t := range snap.Tools {
		if t.OriginalName == name {
			found = append(found, t)
		}
	}
	switch len(found) {
	case 0:
		return gateway.ToolEntry{}, fmt.Errorf("%w: %s", gateway.ErrToolNotFound, name)
	case 1:
		return found[0], nil
	default:
		return gateway.ToolEntry{}, fmt.Errorf("%w: %q is served by %d backends, use a qualified name",
			gateway.ErrAmbiguousTool, name, len(found))
	}
}

// Invalidate drops the cached snapshot. The next Get rebuilds.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	logger.Debugw("Tool catalog invalidated")
}

// Current returns the cached snapshot without triggering a build. Nil when
// no build has completed since the last invalidation.
func (c *Catalog) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// build fans out tools/list to every healthy backend and aggregates the
// results under the collision policy.
func (c *Catalog) build(ctx context.Context) (*Snapshot, error) {
	type listResult struct {
		backend gateway.Backend
		tools   []mcp.Tool
		err     error
	}

	backends := c.backends.List()
	results := make([]listResult, len(backends))

	var wg sync.WaitGroup
	for i, b := range backends {
		if !c.health.IsHealthy(b.ID) {
			results[i] = listResult{backend: b, err: gateway.ErrBackendUnhealthy}
			continue
		}
		sess, ok := c.sessions.SessionFor(b.ID)
		if !ok {
			results[i] = listResult{backend: b, err: gateway.ErrBackendUnhealthy}
			continue
		}

		wg.Add(1)
		go func(i int, b gateway.Backend, sess ToolLister) {
			defer wg.Done()
			listCtx, cancel := context.WithTimeout(ctx, listTimeout)
			defer cancel()
			tools, err := sess.ListTools(listCtx)
			results[i] = listResult{backend: b, tools: tools, err: err}
		}(i, b, sess)
	}
	wg.Wait()

	partial := false
	entriesByBackend := make(map[string][]gateway.ToolEntry, len(backends))
	for _, res := range results {
		if res.err != nil {
			partial = true
			logger.Warnw("Excluding backend from catalog build",
				"backend", res.backend.ID, "error", res.err)
			continue
		}
		entries := make([]gateway.ToolEntry, 0, len(res.tools))
		for _, t := range res.tools {
			entries = append(entries, gateway.ToolEntry{
				Name:         t.Name,
				OriginalName: t.Name,
				BackendID:    res.backend.ID,
				Description:  t.Description,
				InputSchema:  toMap(t.InputSchema),
				Annotations:  toMap(t.Annotations),
			})
		}
		entriesByBackend[res.backend.ID] = entries
	}

	tools := c.resolveCollisions(entriesByBackend)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	c.mu.Lock()
	c.genCount++
	snap := &Snapshot{
		Tools:      tools,
		Partial:    partial,
		BuiltAt:    time.Now(),
		Generation: c.genCount,
	}
	c.current = snap
	c.mu.Unlock()

	logger.Infow("Tool catalog rebuilt",
		"tools", len(tools), "backends", len(entriesByBackend),
		"partial", partial, "generation", snap.Generation)
	return snap, nil
}

// toMap round-trips a typed MCP structure into the generic map shape the
// catalog exposes, so backend schemas pass through without reinterpretation.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// resolveCollisions applies the configured collision policy to the
// per-backend entry sets and returns the exposed entries.
func (c *Catalog) resolveCollisions(byBackend map[string][]gateway.ToolEntry) []gateway.ToolEntry {
	// Count owners per original name.
	owners := make(map[string][]string)
	for id, entries := range byBackend {
		for _, e := range entries {
			owners[e.OriginalName] = append(owners[e.OriginalName], id)
		}
	}

	var out []gateway.ToolEntry
	for id, entries := range byBackend {
		for _, e := range entries {
			ids := owners[e.OriginalName]
			if len(ids) == 1 {
				out = append(out, e)
				continue
			}

			switch c.policy {
			case gateway.CollisionWinner:
				// Lowest backend id keeps the bare name; shadowed tools stay
				// reachable under their prefixed names.
				winner := ids[0]
				for _, o := range ids[1:] {
					if o < winner {
						winner = o
					}
				}
				if id != winner {
					e.Name = id + "." + e.OriginalName
				}
				out = append(out, e)

			default: // gateway.CollisionPrefix
				e.Name = id + "." + e.OriginalName
				out = append(out, e)
			}
		}
	}
	return out
}
