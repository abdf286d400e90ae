// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ssecommon provides the Server-Sent Events wire format shared by the
// gateway's client-facing stream and its backend-facing SSE client.
package ssecommon

import (
	"strings"
)

// SSEMessage represents a message for SSE clients.
type SSEMessage struct {
	// EventType is the type of the event (e.g. "message", "endpoint").
	EventType string

	// Data is the message payload.
	Data string
}

// NewSSEMessage creates a new SSE message.
func NewSSEMessage(eventType, data string) *SSEMessage {
	return &SSEMessage{
		EventType: eventType,
		Data:      data,
	}
}

// ToSSEString renders the message in SSE wire format:
// an "event:" line, one "data:" line per payload line, and a blank line.
func (m *SSEMessage) ToSSEString() string {
	var sb strings.Builder
	sb.WriteString("event: ")
	sb.WriteString(m.EventType)
	sb.WriteString("\n")
	for _, line := range strings.Split(m.Data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}
