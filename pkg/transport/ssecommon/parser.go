// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ssecommon

import "strings"

// Frame is a fully assembled incoming SSE event.
type Frame struct {
	// Event is the event type. Per the SSE spec an absent "event:" field
	// defaults to "message".
	Event string

	// Data is the payload, with multiple data lines joined by newlines.
	Data string

	// ID is the optional event id.
	ID string
}

// Parser assembles SSE frames from a line stream. Feed it one line at a time
// (without the trailing newline); a blank line terminates the current frame.
//
// The zero value is ready to use. Parser is not safe for concurrent use;
// each stream reader owns its own parser.
type Parser struct {
	event     string
	dataLines []string
	id        string
	sawField  bool
}

// Feed consumes one line. When the line completes a frame, the frame is
// returned with ok=true. Comment lines (leading ':') and unknown fields are
// ignored per the SSE specification.
func (p *Parser) Feed(line string) (Frame, bool) {
	if line == "" {
		if !p.sawField || len(p.dataLines) == 0 {
			// Blank line with no accumulated data dispatches nothing.
			p.reset()
			return Frame{}, false
		}
		frame := Frame{
			Event: p.event,
			Data:  strings.Join(p.dataLines, "\n"),
			ID:    p.id,
		}
		if frame.Event == "" {
			frame.Event = "message"
		}
		p.reset()
		return frame, true
	}

	if strings.HasPrefix(line, ":") {
		// Comment, typically a keep-alive.
		return Frame{}, false
	}

	field, value := splitField(line)
	switch field {
	case "event":
		p.event = value
		p.sawField = true
	case "data":
		p.dataLines = append(p.dataLines, value)
		p.sawField = true
	case "id":
		p.id = value
		p.sawField = true
	default:
		// "retry" and unknown fields are ignored.
	}
	return Frame{}, false
}

func (p *Parser) reset() {
	p.event = ""
	p.dataLines = nil
	p.id = ""
	p.sawField = false
}

// splitField splits an SSE line into field name and value, stripping the
// single optional space after the colon.
func splitField(line string) (string, string) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		// A line with no colon is a field with an empty value.
		return line, ""
	}
	return name, strings.TrimPrefix(value, " ")
}
