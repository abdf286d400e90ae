// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inflightCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_inflight_calls",
		Help: "Number of tool calls currently being forwarded.",
	})

	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgw_calls_total",
		Help: "Total tool calls by JSON-RPC outcome code (0 = success).",
	}, []string{"code"})

	catalogServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcpgw_tools_list_total",
		Help: "Total tools/list requests served.",
	})
)

func observeCall(code int) {
	callsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}
