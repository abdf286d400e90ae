// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
)

// Common domain errors used across gateway subpackages.
// These errors should be checked using errors.Is().
var (
	// ErrAlreadyExists indicates a backend id is already registered.
	ErrAlreadyExists = errors.New("backend already exists")

	// ErrNotFound indicates a requested backend was not found.
	ErrNotFound = errors.New("backend not found")

	// ErrToolNotFound indicates a tool name did not resolve in the catalog.
	ErrToolNotFound = errors.New("tool not found")

	// ErrAmbiguousTool indicates a tool name resolves to more than one
	// backend under the winner policy.
	ErrAmbiguousTool = errors.New("tool name is ambiguous")

	// ErrBackendUnhealthy indicates the owning backend is currently
	// unhealthy and calls to it are refused.
	ErrBackendUnhealthy = errors.New("backend unhealthy")

	// ErrTransport indicates the session to the backend broke mid-request.
	ErrTransport = errors.New("transport error")

	// ErrSessionClosed indicates the session was closed while requests were
	// pending. All pending calls fail with this terminal error.
	ErrSessionClosed = errors.New("session closed")

	// ErrForbidden indicates the caller's identity is not permitted.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidParams indicates a policy rejection (argument size,
	// allow-list, schema) before dispatch.
	ErrInvalidParams = errors.New("invalid params")

	// ErrQuotaExceeded indicates the caller's inflight-call quota is full.
	ErrQuotaExceeded = errors.New("inflight quota exceeded")
)

// JSON-RPC error codes surfaced to clients. The -32600..-32603 block follows
// the JSON-RPC 2.0 specification; the -32001.. block is gateway-specific and
// stable.
const (
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeForbidden        = -32001
	CodeNotFound         = -32002
	CodeAmbiguous        = -32003
	CodeBackendUnhealthy = -32004
	CodeTransportError   = -32005
	CodeDeadlineExceeded = -32006
	CodeCancelled        = -32007
	CodeQuotaExceeded    = -32008
)

// RPCCode maps a domain error to its stable JSON-RPC error code.
func RPCCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAmbiguousTool):
		return CodeAmbiguous
	case errors.Is(err, ErrBackendUnhealthy):
		return CodeBackendUnhealthy
	case errors.Is(err, ErrTransport), errors.Is(err, ErrSessionClosed):
		return CodeTransportError
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	default:
		return CodeInternal
	}
}

// ErrorData is the data payload attached to gateway-originated JSON-RPC
// errors. CorrelationID matches the server log line for the failure.
type ErrorData struct {
	CorrelationID string `json:"correlation_id"`
	BackendID     string `json:"backend_id,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// MarshalErrorData renders the error data, falling back to nil on marshal
// failure (the error code and message still reach the client).
func MarshalErrorData(d ErrorData) json.RawMessage {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return raw
}
