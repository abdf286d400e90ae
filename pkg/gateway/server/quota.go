// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"sync"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// inflightQuota caps concurrent tool calls per caller subject. The check
// happens before dispatch so a saturated caller fails fast instead of
// queueing.
type inflightQuota struct {
	mu    sync.Mutex
	max   int
	count map[string]int
}

func newInflightQuota(max int) *inflightQuota {
	return &inflightQuota{
		max:   max,
		count: make(map[string]int),
	}
}

// acquire reserves one slot for the subject. The returned release is
// idempotent-unsafe: call it exactly once.
func (q *inflightQuota) acquire(subject string) (release func(), err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count[subject] >= q.max {
		return nil, fmt.Errorf("%w: %d concurrent calls for %s", gateway.ErrQuotaExceeded, q.max, subject)
	}
	q.count[subject]++

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.count[subject]--
		if q.count[subject] <= 0 {
			delete(q.count, subject)
		}
	}, nil
}

// inflight returns the current count for a subject.
func (q *inflightQuota) inflight(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count[subject]
}
