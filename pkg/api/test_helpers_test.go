package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/events"
	"github.com/vibeworks/vibed/pkg/services"
)

// newTestServer builds a Server over a migrated throwaway store with real
// services. The worker pool is nil: these tests exercise the HTTP surface,
// not job execution.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	client, err := database.NewClient(context.Background(), database.DefaultConfig(filepath.Join(dir, "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.Dirs.ReposBaseDir = filepath.Join(dir, "repos")
	cfg.Dirs.PreviewsDir = filepath.Join(dir, "previews")
	cfg.Dirs.PublishedDir = filepath.Join(dir, "published")

	jobService := services.NewJobService(client)
	projectService := services.NewProjectService(client, cfg.Dirs.ReposBaseDir)
	billingService := services.NewBillingService(client)
	eventService := services.NewEventService(client)
	logStream := events.NewLogStream(eventService, jobService)
	connManager := events.NewConnectionManager(events.NewEventServiceAdapter(eventService), time.Second)

	return NewServer(cfg, client, jobService, projectService, billingService,
		eventService, logStream, nil, connManager)
}

// doJSON runs one request through the full router and returns the recorder.
func doJSON(t *testing.T, s *Server, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}

	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

// decodeJSON unmarshals a recorder body into v.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}
