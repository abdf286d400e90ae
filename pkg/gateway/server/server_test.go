// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/authz"
	"github.com/stacklok/mcp-gateway/pkg/gateway/catalog"
	"github.com/stacklok/mcp-gateway/pkg/gateway/config"
	"github.com/stacklok/mcp-gateway/pkg/gateway/health"
	"github.com/stacklok/mcp-gateway/pkg/gateway/registry"
	"github.com/stacklok/mcp-gateway/pkg/transport"
)

// fakeBackend is a streamable-HTTP MCP server exposing an echo tool and a
// slow tool that blocks until the request is abandoned.
type fakeBackend struct {
	slowStarted chan struct{}
}

func (b *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg transport.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result any
		switch msg.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": gateway.ProtocolVersion,
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "fake"},
			}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{"name": "echo", "description": "echoes arguments"},
				{"name": "slow", "description": "never returns"},
			}}
		case "tools/call":
			var params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			if params.Name == "slow" {
				select {
				case b.slowStarted <- struct{}{}:
				default:
				}
				<-r.Context().Done()
				return
			}
			result = map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": string(params.Arguments)},
				},
			}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		resp, _ := transport.NewResponseMessage(msg.ID, result)
		payload, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

type sessionProvider struct{ m *health.Monitor }

func (p sessionProvider) SessionFor(id string) (catalog.ToolLister, bool) {
	s, ok := p.m.SessionFor(id)
	if !ok {
		return nil, false
	}
	return s, true
}

type gatewayFixture struct {
	url     string
	backend *fakeBackend
	monitor *health.Monitor
	reg     *registry.Registry
}

func testConfig() *config.Config {
	return &config.Config{
		Bind:                 "127.0.0.1:0",
		ProbeInterval:        25 * time.Millisecond,
		FailThreshold:        3,
		CallDeadline:         5 * time.Second,
		BackoffMin:           10 * time.Millisecond,
		BackoffMax:           50 * time.Millisecond,
		CatalogTTL:           time.Minute,
		MaxInflightPerClient: 32,
		CollisionPolicy:      gateway.CollisionPrefix,
	}
}

type catalogInvalidator struct{ c *catalog.Catalog }

func (i *catalogInvalidator) Invalidate() { i.c.Invalidate() }

// newGateway stands up a backend, supervisor, catalog and gateway handler.
func newGateway(t *testing.T, cfg *config.Config, auth *authz.Authorizer) *gatewayFixture {
	t.Helper()

	backend := &fakeBackend{slowStarted: make(chan struct{}, 8)}
	backendSrv := httptest.NewServer(backend.handler())
	t.Cleanup(backendSrv.Close)

	reg := registry.New()

	var cat *catalog.Catalog
	inv := &catalogInvalidator{}
	monitor := health.NewMonitor(reg, inv, health.Config{
		ProbeInterval: cfg.ProbeInterval,
		FailThreshold: cfg.FailThreshold,
		BackoffMin:    cfg.BackoffMin,
		BackoffMax:    cfg.BackoffMax,
	})
	cat = catalog.New(reg, sessionProvider{m: monitor}, monitor, cfg.CollisionPolicy, cfg.CatalogTTL)
	inv.c = cat

	monitor.Start(context.Background())
	t.Cleanup(monitor.Stop)

	require.NoError(t, reg.Register(gateway.Backend{
		ID:        "b1",
		URL:       backendSrv.URL,
		Transport: gateway.TransportStreamableHTTP,
	}))

	require.Eventually(t, func() bool { return monitor.IsHealthy("b1") },
		5*time.Second, 25*time.Millisecond)

	srv := New(cfg, cat, monitor, auth, nil)
	gwSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(gwSrv.Close)

	return &gatewayFixture{
		url:     gwSrv.URL,
		backend: backend,
		monitor: monitor,
		reg:     reg,
	}
}

// rpc posts one JSON-RPC message to the gateway and decodes the reply.
func rpc(t *testing.T, gw *gatewayFixture, sessionID string, body string) (*transport.JSONRPCMessage, *http.Response) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, gw.url+"/mcp", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode == http.StatusAccepted {
		return nil, resp
	}
	var msg transport.JSONRPCMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	return &msg, resp
}

// handshake runs initialize and returns the assigned session id.
func handshake(t *testing.T, gw *gatewayFixture) string {
	t.Helper()

	msg, resp := rpc(t, gw, "", `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	require.Nil(t, msg.Error)

	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	_, resp = rpc(t, gw, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return sessionID
}

func TestInitializeHandshake(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())

	msg, resp := rpc(t, gw, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Nil(t, msg.Error)
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, gateway.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "mcp-gateway", result.ServerInfo.Name)
}

func TestInitializeEchoesClientProtocolVersion(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())

	msg, _ := rpc(t, gw, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	require.Nil(t, msg.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
}

func TestToolsList(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())
	sessionID := handshake(t, gw)

	msg, _ := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, msg.Error)

	var result struct {
		Tools   []gateway.ToolEntry `json:"tools"`
		Partial bool                `json:"partial"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "echo", result.Tools[0].Name)
	assert.Equal(t, "slow", result.Tools[1].Name)
	assert.False(t, result.Partial)
}

func TestToolsListPartialUnderBackendOutage(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())
	sessionID := handshake(t, gw)

	// A second backend nothing listens on: its probes fail until it flips
	// unhealthy and the catalog build skips it.
	require.NoError(t, gw.reg.Register(gateway.Backend{
		ID:        "dead",
		URL:       "http://127.0.0.1:1/mcp",
		Transport: gateway.TransportStreamableHTTP,
	}))
	require.Eventually(t, func() bool { return !gw.monitor.IsHealthy("dead") },
		5*time.Second, 25*time.Millisecond)

	msg, _ := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, msg.Error)

	var result struct {
		Tools   []gateway.ToolEntry `json:"tools"`
		Partial bool                `json:"partial"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.True(t, result.Partial, "a skipped backend must surface as a partial catalog")
	require.Len(t, result.Tools, 2)
}

func TestToolsCallForwardsResult(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())
	sessionID := handshake(t, gw)

	msg, _ := rpc(t, gw, sessionID,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hello"}}}`)
	require.Nil(t, msg.Error)

	// The reply carries the client's id and the backend's payload verbatim.
	assert.Equal(t, transport.IDKey(float64(3)), transport.IDKey(msg.ID))
	assert.Contains(t, string(msg.Result), "hello")
}

func TestToolsCallErrors(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())
	sessionID := handshake(t, gw)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "unknown tool",
			body:     `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope"}}`,
			wantCode: gateway.CodeNotFound,
		},
		{
			name:     "missing tool name",
			body:     `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{}}`,
			wantCode: gateway.CodeInvalidParams,
		},
		{
			name:     "unknown method",
			body:     `{"jsonrpc":"2.0","id":6,"method":"resources/list"}`,
			wantCode: gateway.CodeMethodNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, _ := rpc(t, gw, sessionID, tt.body)
			require.NotNil(t, msg.Error)
			assert.Equal(t, tt.wantCode, msg.Error.Code)
		})
	}
}

func TestErrorDataCarriesCorrelationID(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())
	sessionID := handshake(t, gw)

	msg, _ := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope"}}`)
	require.NotNil(t, msg.Error)

	var data gateway.ErrorData
	require.NoError(t, json.Unmarshal(msg.Error.Data, &data))
	assert.NotEmpty(t, data.CorrelationID)
}

func TestCallWithoutSessionRejected(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())

	msg, _ := rpc(t, gw, "", `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo"}}`)
	require.NotNil(t, msg.Error)
	assert.Equal(t, gateway.CodeInvalidRequest, msg.Error.Code)
}

func TestMalformedBodyRejected(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())

	msg, _ := rpc(t, gw, "", `{"jsonrpc":`)
	require.NotNil(t, msg.Error)
	assert.Equal(t, gateway.CodeInvalidRequest, msg.Error.Code)
}

func TestPing(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())

	msg, _ := rpc(t, gw, "", `{"jsonrpc":"2.0","id":8,"method":"ping"}`)
	require.Nil(t, msg.Error)
}

func TestForbiddenToolRejected(t *testing.T) {
	t.Parallel()

	auth := authz.New(&authz.Policy{
		Principals: []authz.Principal{
			{Name: "limited", Token: "tok", Allow: []string{"echo"}},
		},
	})
	gw := newGateway(t, testConfig(), auth)

	// Handshake as the limited principal.
	req, err := http.NewRequest(http.MethodPost, gw.url+"/mcp",
		bytes.NewBufferString(`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	call := func(tool string) *transport.JSONRPCMessage {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":%q}}`, tool)
		req, err := http.NewRequest(http.MethodPost, gw.url+"/mcp", bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer tok")
		req.Header.Set("Mcp-Session-Id", sessionID)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var msg transport.JSONRPCMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
		return &msg
	}

	msg := call("slow")
	require.NotNil(t, msg.Error)
	assert.Equal(t, gateway.CodeForbidden, msg.Error.Code)

	msg = call("echo")
	assert.Nil(t, msg.Error)
}

func TestInflightQuota(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxInflightPerClient = 1
	gw := newGateway(t, cfg, authz.NewOpen())
	sessionID := handshake(t, gw)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rpc(t, gw, sessionID, `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{"name":"slow"}}`)
	}()

	select {
	case <-gw.backend.slowStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("slow call never reached the backend")
	}

	msg, _ := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"echo"}}`)
	require.NotNil(t, msg.Error)
	assert.Equal(t, gateway.CodeQuotaExceeded, msg.Error.Code)

	// Cancel the slow call so the fixture tears down promptly.
	_, resp := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":10}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	wg.Wait()
}

func TestCancelledCallReturnsCancelledCode(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())
	sessionID := handshake(t, gw)

	type result struct{ msg *transport.JSONRPCMessage }
	done := make(chan result, 1)
	go func() {
		msg, _ := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","id":12,"method":"tools/call","params":{"name":"slow"}}`)
		done <- result{msg: msg}
	}()

	select {
	case <-gw.backend.slowStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("slow call never reached the backend")
	}

	_, resp := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":12}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case res := <-done:
		require.NotNil(t, res.msg.Error)
		assert.Equal(t, gateway.CodeCancelled, res.msg.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call never completed")
	}
}

func TestCancelledAcceptsBareIDParam(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())
	sessionID := handshake(t, gw)

	type result struct{ msg *transport.JSONRPCMessage }
	done := make(chan result, 1)
	go func() {
		msg, _ := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","id":15,"method":"tools/call","params":{"name":"slow"}}`)
		done <- result{msg: msg}
	}()

	select {
	case <-gw.backend.slowStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("slow call never reached the backend")
	}

	// The bare {id: N} params spelling cancels too.
	_, resp := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"id":15}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case res := <-done:
		require.NotNil(t, res.msg.Error)
		assert.Equal(t, gateway.CodeCancelled, res.msg.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call never completed")
	}
}

func TestDeadlineExceededCode(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CallDeadline = 150 * time.Millisecond
	gw := newGateway(t, cfg, authz.NewOpen())
	sessionID := handshake(t, gw)

	msg, _ := rpc(t, gw, sessionID, `{"jsonrpc":"2.0","id":13,"method":"tools/call","params":{"name":"slow"}}`)
	require.NotNil(t, msg.Error)
	assert.Equal(t, gateway.CodeDeadlineExceeded, msg.Error.Code)
}

func TestSSEResponseFraming(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, testConfig(), authz.NewOpen())
	sessionID := handshake(t, gw)

	req, err := http.NewRequest(http.MethodPost, gw.url+"/mcp", bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":14,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"sse"}}}`))
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	body := buf.String()
	assert.Contains(t, body, "event: message")
	assert.Contains(t, body, `"sse"`)
}
