// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway contains the shared domain types used across the MCP
// gateway subpackages: backend descriptors, health state, tool entries and
// the sentinel errors mapped onto JSON-RPC error codes.
package gateway

import (
	"time"
)

// TransportType is the MCP transport protocol spoken by a backend.
type TransportType string

const (
	// TransportSSE is the HTTP+SSE transport: a long-lived GET event stream
	// plus a companion messages URL for JSON-RPC POSTs.
	TransportSSE TransportType = "sse"

	// TransportStreamableHTTP is the streamable-HTTP transport: one URL for
	// both directions, responses either inline JSON or an SSE body.
	TransportStreamableHTTP TransportType = "streamable-http"
)

// Valid reports whether the transport type is one the gateway supports.
func (t TransportType) Valid() bool {
	return t == TransportSSE || t == TransportStreamableHTTP
}

// Backend describes a registered backend MCP server.
// A descriptor is immutable after registration; an update is performed as
// deregister followed by register.
type Backend struct {
	// ID is the unique identifier for this backend.
	ID string `json:"id" yaml:"id"`

	// URL is the backend's base URL. For the SSE transport this is the
	// event-stream URL; for streamable-http it is the MCP endpoint.
	URL string `json:"url" yaml:"url"`

	// Transport is the MCP transport protocol.
	Transport TransportType `json:"transport" yaml:"transport"`

	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`

	// Tags are free-form labels attached at registration.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// RegisteredAt is when the backend was registered.
	RegisteredAt time.Time `json:"registered_at" yaml:"-"`
}

// Health is a snapshot of a backend's health state.
// It is mutated only by the health supervisor and by sessions reporting
// observed transport failures.
type Health struct {
	// BackendID identifies the backend.
	BackendID string `json:"backend_id"`

	// IsHealthy is the current health flag. Invariant: once
	// ConsecutiveFailures reaches the failure threshold this is false, and a
	// single successful probe resets ConsecutiveFailures and sets it true.
	IsHealthy bool `json:"is_healthy"`

	// ConsecutiveFailures counts failed probes since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastError is the message of the most recent failure, if any.
	LastError string `json:"last_error,omitempty"`

	// LastSuccessAt is when the last successful probe completed.
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`

	// LastProbeAt is when the last probe (of either outcome) completed.
	LastProbeAt time.Time `json:"last_probe_at,omitzero"`
}

// ToolEntry is one tool in the aggregated catalog, tagged with its owner.
// The tuple (Name, BackendID) is unique within a catalog.
type ToolEntry struct {
	// Name is the name exposed to clients, after collision resolution.
	Name string `json:"name"`

	// OriginalName is the tool's name in the backend; used when forwarding.
	// Equal to Name unless collision resolution renamed the tool.
	OriginalName string `json:"-"`

	// BackendID identifies the owning backend.
	BackendID string `json:"-"`

	// Description describes what the tool does.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// Annotations carries backend-provided tool annotations verbatim.
	Annotations map[string]any `json:"annotations,omitempty"`
}

// BackendName returns the name to use when forwarding a call to the backend.
func (t *ToolEntry) BackendName() string {
	if t.OriginalName != "" {
		return t.OriginalName
	}
	return t.Name
}

// CollisionPolicy defines how duplicate tool names across backends are
// resolved when building the catalog. The policy is fixed at startup; it is
// never a runtime race.
type CollisionPolicy string

const (
	// CollisionPrefix prefixes colliding names with "{backend_id}.".
	CollisionPrefix CollisionPolicy = "prefix"

	// CollisionWinner keeps the tool of the lexicographically lower backend
	// id under the bare name; losers stay reachable via the prefixed name.
	CollisionWinner CollisionPolicy = "winner"
)

// Valid reports whether the collision policy is known.
func (p CollisionPolicy) Valid() bool {
	return p == CollisionPrefix || p == CollisionWinner
}

// EventKind discriminates backend lifecycle events.
type EventKind string

const (
	// EventBackendAdded fires when a backend is registered.
	EventBackendAdded EventKind = "backend_added"

	// EventBackendRemoved fires when a backend is deregistered.
	EventBackendRemoved EventKind = "backend_removed"

	// EventBackendHealthy fires on an unhealthy-to-healthy transition.
	EventBackendHealthy EventKind = "backend_healthy"

	// EventBackendUnhealthy fires on a healthy-to-unhealthy transition.
	EventBackendUnhealthy EventKind = "backend_unhealthy"
)

// Event is a backend lifecycle notification fanned out to components that
// need to react to fleet changes (supervisor, catalog).
type Event struct {
	Kind      EventKind
	BackendID string
}

// ProtocolVersion is the MCP protocol version the gateway negotiates.
// The value is treated as opaque and echoed; the gateway does not negotiate
// down.
const ProtocolVersion = "2025-06-18"
