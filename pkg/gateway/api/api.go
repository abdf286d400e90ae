// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api is the admin surface: backend registration, health snapshots,
// catalog refresh and Prometheus metrics. It is authenticated by a token
// separate from tool traffic; metrics stay open for scrapers.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Registry is the slice of the backend registry the admin API mutates.
type Registry interface {
	Register(b gateway.Backend) error
	Deregister(id string) error
	Get(id string) (gateway.Backend, bool)
	List() []gateway.Backend
}

// HealthReader exposes per-backend health snapshots.
type HealthReader interface {
	Statuses() []gateway.Health
}

// Invalidator drops the cached catalog.
type Invalidator interface {
	Invalidate()
}

// Handler is the admin API. Route with Router().
type Handler struct {
	registry Registry
	health   HealthReader
	catalog  Invalidator
	token    string
}

// New creates the admin API. An empty token disables admin authentication;
// that is only reasonable for local development.
func New(reg Registry, health HealthReader, catalog Invalidator, token string) *Handler {
	if token == "" {
		logger.Warnf("Admin API authentication is disabled (no admin token configured)")
	}
	return &Handler{
		registry: reg,
		health:   health,
		catalog:  catalog,
		token:    token,
	}
}

// Router builds the admin route tree. /metrics is deliberately outside the
// authenticated group.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/health/servers", h.healthServers)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/backends", h.listBackends)
			r.Post("/backends", h.registerBackend)
			r.Delete("/backends/{id}", h.deregisterBackend)
			r.Post("/catalog/refresh", h.refreshCatalog)
		})
	})
	return r
}

// requireToken authenticates admin requests with the configured bearer
// token. Comparison is constant-time.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		presented = strings.TrimSpace(presented)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthStatus is the per-backend health snapshot shape.
type healthStatus struct {
	IsHealthy           bool    `json:"is_healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastError           *string `json:"last_error"`
	LastSuccess         *string `json:"last_success"`
	LastProbe           *string `json:"last_probe"`
}

// healthServers returns the health snapshot keyed by backend URL.
func (h *Handler) healthServers(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]healthStatus)
	for _, st := range h.health.Statuses() {
		key := st.BackendID
		if b, ok := h.registry.Get(st.BackendID); ok {
			key = b.URL
		}

		entry := healthStatus{
			IsHealthy:           st.IsHealthy,
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastError:           optionalString(st.LastError),
			LastSuccess:         optionalTime(st.LastSuccessAt),
			LastProbe:           optionalTime(st.LastProbeAt),
		}
		out[key] = entry
	}
	writeJSON(w, http.StatusOK, out)
}

// registerRequest is the POST /admin/backends body.
type registerRequest struct {
	ID          string                `json:"id"`
	URL         string                `json:"url"`
	Transport   gateway.TransportType `json:"transport"`
	DisplayName string                `json:"display_name,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
}

func (h *Handler) registerBackend(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.registry.Register(gateway.Backend{
		ID:          req.ID,
		URL:         req.URL,
		Transport:   req.Transport,
		DisplayName: req.DisplayName,
		Tags:        req.Tags,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
	case errors.Is(err, gateway.ErrAlreadyExists):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) deregisterBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.registry.Deregister(id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, gateway.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) listBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"backends": h.registry.List()})
}

func (h *Handler) refreshCatalog(w http.ResponseWriter, _ *http.Request) {
	h.catalog.Invalidate()
	logger.Infow("Catalog invalidated via admin API")
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
