package api

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	echo "github.com/labstack/echo/v5"

	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/preview"
)

// createProjectHandler handles POST /projects.
func (s *Server) createProjectHandler(c *echo.Context) error {
	var req models.CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	project, err := s.projectService.CreateProject(c.Request().Context(), tenantID(c), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, project)
}

// listProjectsHandler handles GET /projects.
func (s *Server) listProjectsHandler(c *echo.Context) error {
	projects, err := s.projectService.ListProjects(c.Request().Context(), tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, projects)
}

// getProjectHandler handles GET /projects/:id.
func (s *Server) getProjectHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	project, err := s.projectService.GetProject(c.Request().Context(), tenantID(c), projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}

// deleteProjectHandler handles DELETE /projects/:id. The store row, its
// jobs, and their events go in one transaction; the cached clone and any
// published site are removed best-effort afterwards.
func (s *Server) deleteProjectHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	project, err := s.projectService.DeleteProject(c.Request().Context(), tenantID(c), projectID)
	if err != nil {
		return mapServiceError(err)
	}

	if project.LocalPath != "" {
		if err := os.RemoveAll(project.LocalPath); err != nil {
			slog.Warn("Failed to remove project clone", "project_id", projectID, "error", err)
		}
	}
	if s.cfg.Dirs.PublishedDir != "" {
		if err := os.RemoveAll(filepath.Join(s.cfg.Dirs.PublishedDir, projectID)); err != nil {
			slog.Warn("Failed to remove published site", "project_id", projectID, "error", err)
		}
	}

	return c.NoContent(http.StatusNoContent)
}

// publishProjectHandler handles POST /projects/:id/publish. It promotes a
// completed job's preview artifact to the project's published site.
func (s *Server) publishProjectHandler(c *echo.Context) error {
	tenant := tenantID(c)
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	var req models.PublishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.JobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job_id is required")
	}

	if _, err := s.projectService.GetProject(c.Request().Context(), tenant, projectID); err != nil {
		return mapServiceError(err)
	}
	job, err := s.jobService.GetJob(c.Request().Context(), tenant, req.JobID)
	if err != nil {
		return mapServiceError(err)
	}
	if job.ProjectID != projectID {
		return echo.NewHTTPError(http.StatusBadRequest, "job does not belong to this project")
	}
	if job.ExecutionState != models.StateCompleted {
		return echo.NewHTTPError(http.StatusConflict, "only completed jobs can be published")
	}

	src := filepath.Join(s.cfg.Dirs.PreviewsDir, job.JobID)
	if _, err := os.Stat(src); err != nil {
		return echo.NewHTTPError(http.StatusConflict, "job has no preview artifact to publish")
	}

	dest := filepath.Join(s.cfg.Dirs.PublishedDir, projectID)
	if err := os.RemoveAll(dest); err != nil {
		slog.Error("Failed to clear published site", "project_id", projectID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to publish")
	}
	if err := preview.CopyDir(src, dest); err != nil {
		slog.Error("Failed to copy preview to published site", "project_id", projectID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to publish")
	}

	publishedURL := "/published/" + projectID + "/index.html"
	if err := s.projectService.SetPublished(c.Request().Context(), tenant, projectID, publishedURL, job.JobID); err != nil {
		return mapServiceError(err)
	}

	project, err := s.projectService.GetProject(c.Request().Context(), tenant, projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}
