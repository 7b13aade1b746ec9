package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, healthStatusHealthy, resp.Status)
	assert.NotEmpty(t, resp.Version)
	require.Contains(t, resp.Checks, "store")
	assert.Equal(t, healthStatusHealthy, resp.Checks["store"].Status)
	require.NotNil(t, resp.Store)
	assert.Equal(t, "healthy", resp.Store.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestPreviewStaticServing(t *testing.T) {
	s := newTestServer(t)

	dir := filepath.Join(s.cfg.Dirs.PreviewsDir, "job-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>preview</html>"), 0o644))

	rec := doJSON(t, s, http.MethodGet, "/previews/job-1/index.html", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>preview</html>", rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/previews/job-1/missing.html", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantRequiredAcrossSurface(t *testing.T) {
	s := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/jobs"},
		{http.MethodGet, "/jobs"},
		{http.MethodGet, "/jobs/abc"},
		{http.MethodGet, "/jobs/abc/logs"},
		{http.MethodPost, "/projects"},
		{http.MethodGet, "/projects"},
		{http.MethodGet, "/projects/abc"},
		{http.MethodDelete, "/projects/abc"},
		{http.MethodGet, "/projects/abc/jobs"},
		{http.MethodPost, "/projects/abc/publish"},
		{http.MethodGet, "/billing/usage/acme"},
		{http.MethodGet, "/billing/export/acme"},
		{http.MethodPost, "/billing/budget/acme"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			rec := doJSON(t, s, p.method, p.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestWebSocketEndpoint(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.echo)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "connection.established", msg["type"])
}
