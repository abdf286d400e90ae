// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport contains the wire-level building blocks shared by the
// gateway: the JSON-RPC envelope and the SSE frame format.
package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCMessage represents a JSON-RPC 2.0 message. The same envelope is used
// for requests, responses and notifications; params, result and error are
// kept as raw JSON so the gateway never re-encodes backend payloads.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequestMessage creates a new JSON-RPC request message.
func NewRequestMessage(method string, params any, id any) (*JSONRPCMessage, error) {
	paramsJSON, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      id,
	}, nil
}

// NewResponseMessage creates a new JSON-RPC response message.
func NewResponseMessage(id any, result any) (*JSONRPCMessage, error) {
	resultJSON, err := marshalField(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Result:  resultJSON,
		ID:      id,
	}, nil
}

// NewErrorMessage creates a new JSON-RPC error message.
func NewErrorMessage(id any, code int, message string, data any) (*JSONRPCMessage, error) {
	dataJSON, err := marshalField(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error data: %w", err)
	}

	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
		ID: id,
	}, nil
}

// NewNotificationMessage creates a new JSON-RPC notification message.
func NewNotificationMessage(method string, params any) (*JSONRPCMessage, error) {
	paramsJSON, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	return &JSONRPCMessage{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

func marshalField(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// IsRequest returns true if the message is a request.
func (m *JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil) && m.Method == ""
}

// IsNotification returns true if the message is a notification.
func (m *JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Validate validates the JSON-RPC message.
func (m *JSONRPCMessage) Validate() error {
	if m.JSONRPC != "2.0" {
		return fmt.Errorf("invalid JSON-RPC version: %s", m.JSONRPC)
	}

	if !m.IsRequest() && !m.IsResponse() && !m.IsNotification() {
		return fmt.Errorf("invalid JSON-RPC message format")
	}

	return nil
}

// IDKey normalizes a JSON-RPC id into a string usable as a map key.
// JSON decoding yields float64 for numeric ids; integral floats are rendered
// without a fractional part so that 42 and 42.0 correlate to the same request.
// A nil id returns the empty string.
func IDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
