// Package api exposes the REST, SSE, and WebSocket surface of the
// pipeline: job submission and inspection, project CRUD and publishing,
// billing queries, live log streams, and operational endpoints.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/events"
	"github.com/vibeworks/vibed/pkg/queue"
	"github.com/vibeworks/vibed/pkg/services"
)

// Server wires the HTTP surface to the service layer.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg      *config.Config
	dbClient *database.Client

	jobService     *services.JobService
	projectService *services.ProjectService
	billingService *services.BillingService
	eventService   *services.EventService

	logStream   *events.LogStream
	workerPool  *queue.WorkerPool
	connManager *events.ConnectionManager
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	jobService *services.JobService,
	projectService *services.ProjectService,
	billingService *services.BillingService,
	eventService *services.EventService,
	logStream *events.LogStream,
	workerPool *queue.WorkerPool,
	connManager *events.ConnectionManager,
) *Server {
	s := &Server{
		echo:           echo.New(),
		cfg:            cfg,
		dbClient:       dbClient,
		jobService:     jobService,
		projectService: projectService,
		billingService: billingService,
		eventService:   eventService,
		logStream:      logStream,
		workerPool:     workerPool,
		connManager:    connManager,
	}
	s.registerRoutes()
	return s
}

// registerRoutes attaches middleware and endpoints to the echo instance.
func (s *Server) registerRoutes() {
	e := s.echo

	e.Use(recoverPanics())
	e.Use(requestLogger())
	e.Use(securityHeaders())

	// Unauthenticated operational endpoints.
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", wrapHTTPHandler(promhttp.Handler()))
	e.GET("/ws", s.wsHandler)

	// Static artifact trees. Previews are per-job throwaway builds;
	// published is the per-project promoted site.
	if s.cfg.Dirs.PreviewsDir != "" {
		e.GET("/previews/*", staticHandler("/previews/", s.cfg.Dirs.PreviewsDir))
	}
	if s.cfg.Dirs.PublishedDir != "" {
		e.GET("/published/*", staticHandler("/published/", s.cfg.Dirs.PublishedDir))
	}

	// Everything below requires a tenant identity.
	g := e.Group("", requireTenant())

	g.POST("/jobs", s.createJobHandler)
	g.GET("/jobs", s.listJobsHandler)
	g.GET("/jobs/:id", s.getJobHandler)
	g.GET("/jobs/:id/logs", s.jobLogsHandler)

	g.POST("/projects", s.createProjectHandler)
	g.GET("/projects", s.listProjectsHandler)
	g.GET("/projects/:id", s.getProjectHandler)
	g.DELETE("/projects/:id", s.deleteProjectHandler)
	g.GET("/projects/:id/jobs", s.listProjectJobsHandler)
	g.POST("/projects/:id/publish", s.publishProjectHandler)

	g.GET("/billing/usage/:tenantId", s.billingUsageHandler)
	g.GET("/billing/export/:tenantId", s.billingExportHandler)
	g.POST("/billing/budget/:tenantId", s.setBudgetHandler)
}

// wrapHTTPHandler adapts a plain http.Handler to an echo handler.
func wrapHTTPHandler(h http.Handler) echo.HandlerFunc {
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// staticHandler serves files under root for paths below prefix.
func staticHandler(prefix, root string) echo.HandlerFunc {
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(root)))
	return func(c *echo.Context) error {
		fs.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// Start runs the HTTP listener. Blocks until the listener stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an already-bound listener. Tests bind
// 127.0.0.1:0 and read the port back from the listener address.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP listener, letting in-flight
// requests finish until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
