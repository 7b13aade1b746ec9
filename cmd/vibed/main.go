// vibed engine server — provides the HTTP API, runs the job worker pool,
// and drives autonomous code-modification jobs end to end.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/vibeworks/vibed/pkg/api"
	"github.com/vibeworks/vibed/pkg/cleanup"
	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/events"
	"github.com/vibeworks/vibed/pkg/forge"
	"github.com/vibeworks/vibed/pkg/llm"
	"github.com/vibeworks/vibed/pkg/queue"
	"github.com/vibeworks/vibed/pkg/services"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveEngineID determines the engine identifier recorded on claimed jobs
// and project locks. Priority: ENGINE_ID env > HOSTNAME env > "local"
func resolveEngineID() string {
	if id := os.Getenv("ENGINE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// setupLogging installs the default slog handler at the configured level.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	envFile := flag.String("env-file",
		getEnv("VIBED_ENV", ".env"),
		"Path to a .env file with credentials")
	flag.Parse()

	// Load .env before config resolution so API keys reach applyEnv.
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	engineID := resolveEngineID()

	ctx := context.Background()

	// 1. Resolve configuration
	cfg, err := config.Initialize()
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("Starting vibed",
		"engine_id", engineID,
		"http_addr", cfg.HTTP.Addr)

	// 2. Open the durable store (runs migrations)
	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.Store.DatabasePath))
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store ready", "path", cfg.Store.DatabasePath)

	// 3. Domain services
	jobService := services.NewJobService(dbClient)
	projectService := services.NewProjectService(dbClient, cfg.Dirs.ReposBaseDir)
	billingService := services.NewBillingService(dbClient)
	eventService := services.NewEventService(dbClient)
	slog.Info("Services initialized")

	// 4. One-time startup orphan recovery
	if err := queue.CleanupStartupOrphans(ctx, jobService, projectService, eventService, engineID); err != nil {
		slog.Error("Failed to recover orphaned jobs", "error", err)
		// Non-fatal — continue
	}

	// 5. LLM router and forge client
	retry := llm.DefaultRetryConfig()
	if cfg.LLM.MaxRetries > 0 {
		retry.MaxRetries = cfg.LLM.MaxRetries
	}
	llmClient := llm.NewClient(
		llm.Settings{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
			Model:   cfg.LLM.Anthropic.Model,
		},
		llm.Settings{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
		},
		cfg.LLM.Timeout,
		llm.WithRetryConfig(retry),
	)
	forgeClient := forge.NewClient(cfg.Forge.Token, cfg.Forge.APIBase, cfg.Forge.Timeout)
	if cfg.Forge.Token == "" {
		slog.Warn("No forge token configured; jobs will finish with local checkpoints instead of pull requests")
	}

	// 6. Streaming infrastructure
	catchupQuerier := events.NewEventServiceAdapter(eventService)
	connManager := events.NewConnectionManager(catchupQuerier, 10*time.Second)
	publisher := events.NewPublisher(eventService, connManager)
	logStream := events.NewLogStream(eventService, jobService)
	slog.Info("Streaming infrastructure initialized")

	// 7. Job engine and worker pool (before HTTP server)
	engine := queue.NewEngine(cfg, jobService, projectService, publisher, llmClient, forgeClient)
	workerPool := queue.NewWorkerPool(engineID, jobService, projectService, billingService.Admit, engine, &cfg.Engine)
	workerPool.Start(ctx)

	// 8. Background retention sweeps
	retention := cleanup.NewService(&cfg.Retention, cfg.Dirs.PatchesDir, eventService)
	retention.Start(ctx)
	defer retention.Stop()

	// 9. HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, dbClient, jobService, projectService, billingService, eventService, logStream, workerPool, connManager)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.Start(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("vibed started successfully", "engine_id", engineID)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: let the active job finish, then stop the API.
	poolShutdownCtx, poolCancel := context.WithTimeout(ctx, cfg.Engine.GracefulShutdownTimeout)
	defer poolCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-poolShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — running jobs will be orphan-recovered on next start")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
