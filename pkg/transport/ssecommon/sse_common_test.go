// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ssecommon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSSEString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		eventType string
		data      string
		want      string
	}{
		{
			name:      "single line",
			eventType: "message",
			data:      `{"jsonrpc":"2.0"}`,
			want:      "event: message\ndata: {\"jsonrpc\":\"2.0\"}\n\n",
		},
		{
			name:      "multiline data",
			eventType: "message",
			data:      "line1\nline2",
			want:      "event: message\ndata: line1\ndata: line2\n\n",
		},
		{
			name:      "endpoint event",
			eventType: "endpoint",
			data:      "/messages?session_id=abc",
			want:      "event: endpoint\ndata: /messages?session_id=abc\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg := NewSSEMessage(tt.eventType, tt.data)
			assert.Equal(t, tt.want, msg.ToSSEString())
		})
	}
}

func TestSSERoundTrip(t *testing.T) {
	t.Parallel()

	// A rendered message must parse back into the same frame.
	rendered := NewSSEMessage("message", "first\nsecond").ToSSEString()

	var p Parser
	var frames []Frame
	for _, line := range strings.Split(rendered, "\n") {
		if f, ok := p.Feed(line); ok {
			frames = append(frames, f)
		}
	}

	assert.Equal(t, []Frame{{Event: "message", Data: "first\nsecond"}}, frames)
}
