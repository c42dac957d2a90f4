package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/linkproxy/internal/config"
	"github.com/energizer-project/linkproxy/internal/db"
	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/extension"
	"github.com/energizer-project/linkproxy/internal/health"
	"github.com/energizer-project/linkproxy/internal/packets"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/proxy"
	"github.com/energizer-project/linkproxy/internal/registry"
)

const testToken = "s3cret"

type fixture struct {
	cfg     *config.Config
	server  *Server
	history *db.LinkStore
	exts    *extension.Manager
}

func newFixture(t *testing.T, modify func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), config.DefaultConfigFile))
	cfg.API.Token = testToken
	cfg.Logging.Directory = t.TempDir()
	if modify != nil {
		modify(cfg)
	}

	catalog := registry.NewCatalog(nil)
	require.NoError(t, packets.Register(catalog))

	p, err := proxy.New(proxy.Config{
		Listen: "127.0.0.1:0",
		Backends: []proxy.Backend{
			{Name: "lobby", Address: "127.0.0.1:25566", Version: protocol.V1_21, Default: true},
		},
	}, proxy.Deps{Catalog: catalog})
	require.NoError(t, err)

	history, err := db.NewLinkStore(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	exts := extension.NewManager(catalog, events.NewPipeline(), bus)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))

	s := NewServer(cfg, Deps{
		Proxy:      p,
		Catalog:    catalog,
		Extensions: exts,
		Bus:        bus,
		History:    history,
		Health:     health.NewManager(cfg.GetHealth(), p.Backends(), bus),
		Gatherer:   reg,
	})
	return &fixture{cfg: cfg, server: s, history: history, exts: exts}
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/public/ping", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "linkproxy", body["service"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w, body = f.do(t, http.MethodGet, "/api/versions", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["versions"], len(protocol.Versions()))

	w, _ = f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "proxy is not listening")

	w, _ = f.do(t, http.MethodGet, "/api/nope", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
		{"scheme is case insensitive", "bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/links", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			f.server.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestLinkEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/links", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["total"])

	w, _ = f.do(t, http.MethodGet, "/api/links/missing", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodDelete, "/api/links/missing", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = f.do(t, http.MethodDelete, "/api/links", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])

	w, body = f.do(t, http.MethodGet, "/api/backends", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	backends := body["backends"].([]interface{})
	require.Len(t, backends, 1)
	assert.Equal(t, "1.21", backends[0].(map[string]interface{})["version_name"])
	assert.NotContains(t, backends[0], "health", "no check has run yet")
}

func TestCheckBackends(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Health.TimeoutSec = 1 })

	w, body := f.do(t, http.MethodPost, "/api/backends/check", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	results := body["backends"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "lobby", results[0].(map[string]interface{})["backend"])

	w, body = f.do(t, http.MethodGet, "/api/backends", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body["backends"].([]interface{})[0], "health")
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now()

	for i, rec := range []db.LinkRecord{
		{LinkID: "a", Player: "Alex", Backend: "lobby", Reason: "peer_disconnected"},
		{LinkID: "b", Player: "Steve", Backend: "lobby", Reason: "peer_kicked"},
		{LinkID: "c", Player: "alex", Backend: "pvp", Reason: "peer_disconnected"},
	} {
		rec.StartedAt = now.Add(time.Duration(i) * time.Minute)
		rec.EndedAt = rec.StartedAt.Add(time.Second)
		require.NoError(t, f.history.Record(ctx, rec))
	}

	w, body := f.do(t, http.MethodGet, "/api/links/history?player=ALEX", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	w, body = f.do(t, http.MethodGet, "/api/links/history?backend=lobby&limit=1", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	records := body["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].(map[string]interface{})["link_id"])

	w, _ = f.do(t, http.MethodGet, "/api/links/history?limit=zero", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/links/history/reasons", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"peer_disconnected": 2.0, "peer_kicked": 1.0}, body["reasons"])
}

func TestExtensionEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.exts.Load(context.Background(), extension.Func{Name: "chat"}))

	w, body := f.do(t, http.MethodGet, "/api/extensions", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	exts := body["extensions"].([]interface{})
	require.Len(t, exts, 1)
	assert.Equal(t, "chat", exts[0].(map[string]interface{})["owner"])
	assert.Contains(t, body["owners"], "chat")

	w, _ = f.do(t, http.MethodDelete, "/api/extensions/chat", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.exts.IsLoaded("chat"))

	w, _ = f.do(t, http.MethodDelete, "/api/extensions/chat", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/config", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "********", body["api"].(map[string]interface{})["token"])

	w, _ = f.do(t, http.MethodPatch, "/api/config/proxy", `{"key":"max_links","value":42}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 42, f.cfg.GetProxy().MaxLinks)
	assert.FileExists(t, f.cfg.Path())

	w, _ = f.do(t, http.MethodPatch, "/api/config/proxy", `{"key":"handshake_timeout_sec","value":0}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 5, f.cfg.GetProxy().HandshakeTimeoutSec, "invalid change is reverted")

	w, _ = f.do(t, http.MethodPatch, "/api/config/proxy", `{"key":"nope","value":1}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPatch, "/api/config/proxy", `{"key":"max_links"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	w, body := f.do(t, http.MethodGet, "/api/system", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "system")
	assert.Contains(t, body, "usage")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total")
}

func TestMetricsDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.API.MetricsEnabled = false })
	w, _ := f.do(t, http.MethodGet, "/metrics", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIPWhitelist(t *testing.T) {
	tests := []struct {
		name      string
		whitelist []string
		want      int
	}{
		{"empty allows all", nil, http.StatusOK},
		{"exact match", []string{"192.0.2.1"}, http.StatusOK},
		{"cidr match", []string{"192.0.2.0/24"}, http.StatusOK},
		{"no match", []string{"10.0.0.0/8", "127.0.0.1"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.Config) { c.API.IPWhitelist = tt.whitelist })
			// httptest requests come from 192.0.2.1
			w, _ := f.do(t, http.MethodGet, "/api/public/ping", "", false)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2)
	rl.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		assert.True(t, rl.allow("1.1.1.1"), "burst request %d", i)
	}
	assert.False(t, rl.allow("1.1.1.1"))
	assert.True(t, rl.allow("2.2.2.2"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, rl.allow("1.1.1.1"))
	assert.True(t, rl.allow("1.1.1.1"))
	assert.False(t, rl.allow("1.1.1.1"))
}

func TestLogEntries(t *testing.T) {
	f := newFixture(t, nil)
	dir := f.cfg.GetLogging().Directory

	lines := []string{
		`{"level":"info","component":"proxy","time":"2026-01-01T00:00:00Z","message":"listening","addr":":25565"}`,
		`not json`,
		`{"level":"warn","message":"slow"}`,
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "linkproxy_2026-01-01.log"),
		[]byte(strings.Join(lines, "\n")+"\n"), 0644))

	w, body := f.do(t, http.MethodGet, "/api/logs?count=2", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, "not json", entries[0].(map[string]interface{})["message"])
	assert.Equal(t, "warn", entries[1].(map[string]interface{})["level"])

	all, err := readRecentLogEntries(dir, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "proxy", all[0].Component)
	assert.Equal(t, map[string]interface{}{"addr": ":25565"}, all[0].Fields)
}
