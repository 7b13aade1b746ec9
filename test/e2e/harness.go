// Package e2e provides end-to-end test infrastructure for the vibed pipeline.
package e2e

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibeworks/vibed/pkg/api"
	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/events"
	"github.com/vibeworks/vibed/pkg/queue"
	"github.com/vibeworks/vibed/pkg/services"
)

// TestApp boots a complete vibed instance for e2e testing: real store,
// real git, real HTTP server, scripted LLM.
type TestApp struct {
	// Core
	Config   *config.Config
	DBClient *database.Client

	// Mocks / test wiring
	LLMClient *ScriptedLLMClient

	// Real infrastructure
	Publisher   *events.Publisher
	ConnManager *events.ConnectionManager
	WorkerPool  *queue.WorkerPool
	Server      *api.Server

	// Domain services, exposed for DB-level assertions.
	JobService     *services.JobService
	ProjectService *services.ProjectService
	BillingService *services.BillingService
	EventService   *services.EventService

	// Runtime
	BaseURL  string // e.g. "http://127.0.0.1:54321"
	WSURL    string // e.g. "ws://127.0.0.1:54321/ws"
	ReposDir string // project clone root, for worktree assertions

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg       *config.Config
	llmClient *ScriptedLLMClient
	engineID  string
	forge     queue.ForgeClient
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config. Dirs and store path are still pointed
// at per-test temp directories unless already set.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithLLMClient sets a pre-scripted LLM client.
func WithLLMClient(client *ScriptedLLMClient) TestAppOption {
	return func(c *testAppConfig) { c.llmClient = client }
}

// WithEngineID overrides the auto-generated engine ID. Required for
// multi-engine tests so each instance gets a distinct identity for job
// claiming and orphan recovery.
func WithEngineID(id string) TestAppOption {
	return func(c *testAppConfig) { c.engineID = id }
}

// WithForgeClient injects a forge client. The default is nil: jobs on
// local-only projects finish with a checkpoint tag instead of a PR.
func WithForgeClient(fc queue.ForgeClient) TestAppOption {
	return func(c *testAppConfig) { c.forge = fc }
}

// NewTestApp creates and starts a full vibed test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	requireGit(t)

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	cfg := tc.cfg

	// Per-test artifact roots. Tests never share state through the
	// filesystem or the store.
	root := t.TempDir()
	if cfg.Store.DatabasePath == "" {
		cfg.Store.DatabasePath = filepath.Join(root, "store", "vibed.db")
	}
	if cfg.Dirs.ReposBaseDir == "" {
		cfg.Dirs.ReposBaseDir = filepath.Join(root, "repos")
	}
	if cfg.Dirs.JobsDir == "" {
		cfg.Dirs.JobsDir = filepath.Join(root, "jobs")
	}
	if cfg.Dirs.PatchesDir == "" {
		cfg.Dirs.PatchesDir = filepath.Join(root, "patches")
	}
	if cfg.Dirs.PreviewsDir == "" {
		cfg.Dirs.PreviewsDir = filepath.Join(root, "previews")
	}
	if cfg.Dirs.PublishedDir == "" {
		cfg.Dirs.PublishedDir = filepath.Join(root, "published")
	}

	// Fast polling so e2e runs don't wait out production intervals.
	cfg.Engine.PollInterval = 50 * time.Millisecond
	cfg.Engine.PollIntervalJitter = 25 * time.Millisecond

	if tc.llmClient == nil {
		tc.llmClient = NewScriptedLLMClient()
	}

	// 1. Store.
	ctx := context.Background()
	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.Store.DatabasePath))
	require.NoError(t, err)

	// 2. Domain services.
	jobService := services.NewJobService(dbClient)
	projectService := services.NewProjectService(dbClient, cfg.Dirs.ReposBaseDir)
	billingService := services.NewBillingService(dbClient)
	eventService := services.NewEventService(dbClient)

	// 3. Event delivery: store-backed publisher, WS fan-out, SSE streams.
	adapter := events.NewEventServiceAdapter(eventService)
	connManager := events.NewConnectionManager(adapter, 5*time.Second)
	publisher := events.NewPublisher(eventService, connManager)
	logStream := events.NewLogStream(eventService, jobService)

	// 4. Engine and worker pool, driven by the scripted LLM.
	engine := queue.NewEngine(cfg, jobService, projectService, publisher, tc.llmClient, tc.forge)

	engineID := tc.engineID
	if engineID == "" {
		engineID = fmt.Sprintf("e2e-%s", t.Name())
	}
	workerPool := queue.NewWorkerPool(engineID, jobService, projectService, billingService.Admit, engine, &cfg.Engine)
	workerPool.Start(ctx)

	// 5. HTTP server on a random port.
	server := api.NewServer(cfg, dbClient, jobService, projectService, billingService, eventService, logStream, workerPool, connManager)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()

	app := &TestApp{
		Config:         cfg,
		DBClient:       dbClient,
		LLMClient:      tc.llmClient,
		Publisher:      publisher,
		ConnManager:    connManager,
		WorkerPool:     workerPool,
		Server:         server,
		JobService:     jobService,
		ProjectService: projectService,
		BillingService: billingService,
		EventService:   eventService,
		BaseURL:        fmt.Sprintf("http://%s", addr),
		WSURL:          fmt.Sprintf("ws://%s/ws", addr),
		ReposDir:       cfg.Dirs.ReposBaseDir,
		t:              t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		workerPool.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = dbClient.Close()
	})

	return app
}

// defaultTestConfig mirrors production defaults with a tight iteration
// budget. Tests typically override via WithConfig.
func defaultTestConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			MaxIterations:           3,
			MaxContextSize:          50000,
			MaxDiffSize:             2000,
			ProjectLockTTL:          10 * time.Minute,
			GracefulShutdownTimeout: 10 * time.Second,
		},
		Git: config.GitConfig{
			AuthorName:  "vibed-e2e",
			AuthorEmail: "vibed-e2e@localhost",
		},
		LogLevel: "error",
	}
}

// requireGit skips the test when git is not installed; the engine shells
// out to it for every worktree operation.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}
