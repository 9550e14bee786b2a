// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviamcp/token-proxy/pkg/config"
	"github.com/aviamcp/token-proxy/pkg/proxy"
	"github.com/aviamcp/token-proxy/pkg/token"
	"github.com/aviamcp/token-proxy/pkg/tools"
)

type testEnv struct {
	server        *Server
	tokens        *token.Manager
	upstreamCalls *int32
}

// newTestEnv wires a real manager and pipeline against an httptest upstream.
func newTestEnv(t *testing.T, upstream http.HandlerFunc, tokenList ...string) *testEnv {
	t.Helper()

	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		upstream(w, r)
	}))
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	var lines []string
	for _, tok := range tokenList {
		lines = append(lines, "user|pass|"+tok)
	}
	accounts := filepath.Join(dir, "accounts.txt")
	require.NoError(t, os.WriteFile(accounts, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	tokens, err := token.NewManager(accounts, filepath.Join(dir, "blacklist.txt"))
	require.NoError(t, err)

	upstreamURL, err := url.Parse(ts.URL + "/mcp/")
	require.NoError(t, err)

	cfg := config.Config{
		Upstream:       upstreamURL,
		MaxRetries:     3,
		RequestTimeout: 5 * time.Second,
		UserAgent:      "MCP-Proxy/1.0.0",
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewIPLookup(time.Second))
	require.NoError(t, registry.StartAll(context.Background()))
	t.Cleanup(func() { registry.StopAll(context.Background()) })

	pipeline := proxy.NewPipeline(cfg, tokens)
	return &testEnv{
		server:        New(pipeline, tokens, registry, upstreamURL.String()),
		tokens:        tokens,
		upstreamCalls: &calls,
	}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestRootReportsTokenStats(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "sk-a", "sk-b")

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, "running", payload["status"])
	stats := payload["token_stats"].(map[string]any)
	assert.Equal(t, float64(2), stats["total_loaded_tokens"])
	assert.Equal(t, float64(2), stats["available_tokens"])
}

func TestProxyForwardsWithRotatedToken(t *testing.T) {
	var gotKey, gotPath, gotAccept string
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("api_key")
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"pong"}`))
	}, "sk-a")

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(`{"method":"tools/list","id":1}`))
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"result":"pong"}`, rec.Body.String())
	assert.Equal(t, "sk-a", gotKey)
	assert.Equal(t, "/mcp/messages", gotPath)
	assert.Equal(t, "text/plain, text/event-stream", gotAccept)
}

func TestPingHandledWithoutUpstream(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "sk-a")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"method":"ping","id":7}`))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{}}`, rec.Body.String())
	assert.Equal(t, int32(0), atomic.LoadInt32(env.upstreamCalls))
}

func TestInitializedNotificationHandledWithoutUpstream(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "sk-a")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"method":"notifications/initialized"}`))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(env.upstreamCalls))
}

func TestAuthRejectionBlacklistsAndRetries(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") == "sk-a" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}, "sk-a", "sk-b", "sk-c")

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	// The 401 is consumed internally; the caller sees the retried success.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	stats := env.tokens.Stats()
	assert.Equal(t, 1, stats.PermanentlyBlacklisted)
	assert.Equal(t, 2, stats.Available)

	// And the blacklist endpoint reflects it, redacted.
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blacklist", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	info := payload["blacklist_info"].(map[string]any)
	assert.Equal(t, float64(1), info["total_blacklisted"])
	preview := info["preview"].([]any)
	require.Len(t, preview, 1)
	entry := preview[0].(map[string]any)
	assert.Equal(t, "sk-a", entry["token_preview"])
	assert.Equal(t, float64(4), entry["full_length"])
}

func TestAllTokensBlacklistedReturns503(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, "sk-a", "sk-b", "sk-c", "sk-d", "sk-e")

	// First request burns three tokens (one per attempt).
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/m", strings.NewReader("{}")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Second request burns the remaining two, then fails fast with no token.
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/m", strings.NewReader("{}")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, 5, env.tokens.Stats().PermanentlyBlacklisted)

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/m", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamingResponseRelayed(t *testing.T) {
	payload := "event: message\ndata: {\"seq\":1}\n\n"
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(payload))
	}, "sk-a")

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "sk-a")

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Contains(t, payload, "token_stats")
	assert.Contains(t, payload, "tool_stats")
	info := payload["service_info"].(map[string]any)
	assert.NotEmpty(t, info["base_url"])
}

func TestToolsEndpointReportsRegistry(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "sk-a")

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	toolsMap := payload["tools"].(map[string]any)
	lookup := toolsMap["IPLookup"].(map[string]any)
	assert.Equal(t, "running", lookup["status"])
}

func TestToolInvokeRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "sk-a")

	req := httptest.NewRequest(http.MethodPost, "/tools/IPLookup",
		strings.NewReader(`{"action":"lookup","params":{"ip":"not-an-ip"}}`))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenReloadEndpoint(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "sk-a", "sk-b")

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tokens/reload", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, "reloaded", payload["status"])
}

func TestRequestIDHeaderSet(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {}, "sk-a")

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
