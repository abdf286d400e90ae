// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the client-facing MCP endpoint: a single POST /mcp route
// that handshakes clients, serves the aggregated catalog and forwards tool
// calls to backend sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcp-gateway/pkg/gateway/authz"
	"github.com/stacklok/mcp-gateway/pkg/gateway/catalog"
	"github.com/stacklok/mcp-gateway/pkg/gateway/config"
	"github.com/stacklok/mcp-gateway/pkg/gateway/health"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

const (
	// sessionIDHeader carries the gateway-assigned client session id.
	sessionIDHeader = "Mcp-Session-Id"

	// maxRequestBody bounds a single client POST.
	maxRequestBody = 16 * 1024 * 1024

	shutdownTimeout = 10 * time.Second
	sweepInterval   = 5 * time.Minute
)

// Server is the gateway's HTTP front. It serves the MCP endpoint and mounts
// the admin routes on the same listener.
type Server struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	monitor *health.Monitor
	auth    *authz.Authorizer

	clients *clientSessions
	quota   *inflightQuota

	httpServer *http.Server
}

// New creates the server. admin is mounted at the root for the /health,
// /admin and /metrics routes; it may be nil.
func New(cfg *config.Config, cat *catalog.Catalog, mon *health.Monitor,
	auth *authz.Authorizer, admin http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		catalog: cat,
		monitor: mon,
		auth:    auth,
		clients: newClientSessions(),
		quota:   newInflightQuota(cfg.MaxInflightPerClient),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/mcp", s.handleMCP)
	if admin != nil {
		r.Mount("/", admin)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler (MCP endpoint plus mounted admin
// routes).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. A failure
// to bind is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Bind, err)
	}
	logger.Infow("Gateway listening", "address", s.cfg.Bind)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sweeper := time.NewTicker(sweepInterval)
	defer sweeper.Stop()

	for {
		select {
		case <-sweeper.C:
			if n := s.clients.sweep(); n > 0 {
				logger.Debugw("Evicted idle client sessions", "count", n)
			}
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("Graceful shutdown incomplete: %v", err)
			}
			return nil
		}
	}
}
