// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync/atomic"

	"github.com/stacklok/mcp-gateway/pkg/transport"
)

// outcome is the terminal result of one outstanding request: exactly one of
// msg or err is set.
type outcome struct {
	msg *transport.JSONRPCMessage
	err error
}

// responseSink is a one-shot completion target for a single outstanding
// request. Complete is idempotent: the first caller wins, later calls are
// no-ops. This enforces the single-completion invariant even when a reply,
// a timeout and a session teardown race.
type responseSink struct {
	ch        chan outcome
	completed atomic.Bool
}

func newResponseSink() *responseSink {
	return &responseSink{ch: make(chan outcome, 1)}
}

// complete delivers the outcome if the sink has not completed yet.
// Returns true if this call won the race.
func (s *responseSink) complete(o outcome) bool {
	if !s.completed.CompareAndSwap(false, true) {
		return false
	}
	s.ch <- o
	return true
}

// wait returns the channel the outcome arrives on.
func (s *responseSink) wait() <-chan outcome {
	return s.ch
}
