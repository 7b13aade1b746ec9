package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/vibeworks/vibed/pkg/models"
)

// createJobHandler handles POST /jobs.
func (s *Server) createJobHandler(c *echo.Context) error {
	tenant := tenantID(c)

	var req models.CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	// Project jobs run against a registered project; verify it exists and
	// belongs to the caller before anything is enqueued.
	if req.ProjectID != "" {
		if _, err := s.projectService.GetProject(c.Request().Context(), tenant, req.ProjectID); err != nil {
			return mapServiceError(err)
		}
	}

	// Admission gate: a tenant at or over budget cannot enqueue work.
	if err := s.billingService.Admit(c.Request().Context(), tenant); err != nil {
		return mapServiceError(err)
	}

	job, err := s.jobService.CreateJob(c.Request().Context(), tenant, req)
	if err != nil {
		return mapServiceError(err)
	}

	if job.ProjectID == "" {
		// Raw-URL jobs clone into a throwaway per-job directory and lose
		// the project cache; kept for backwards compatibility.
		_, _ = s.eventService.CreateEvent(c.Request().Context(), job.JobID,
			"Job uses a raw repository_url; register a project to reuse the clone cache",
			models.SeverityWarning)
	}

	return c.JSON(http.StatusCreated, &JobAcceptedResponse{
		TaskID: job.JobID,
		Status: string(models.StateQueued),
	})
}

// listJobsHandler handles GET /jobs.
func (s *Server) listJobsHandler(c *echo.Context) error {
	tenant := tenantID(c)

	filters := models.JobFilters{Limit: 50}

	if v := c.QueryParam("state"); v != "" {
		state := models.ExecutionState(v)
		if !state.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid state: "+v)
		}
		filters.State = state
	}
	filters.ProjectID = c.QueryParam("project_id")
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filters.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}

	jobs, err := s.jobService.ListJobs(c.Request().Context(), tenant, filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, jobs)
}

// getJobHandler handles GET /jobs/:id.
func (s *Server) getJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	job, err := s.jobService.GetJob(c.Request().Context(), tenantID(c), jobID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// listProjectJobsHandler handles GET /projects/:id/jobs.
func (s *Server) listProjectJobsHandler(c *echo.Context) error {
	tenant := tenantID(c)
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	// Ownership check first so a foreign project is a 403, not an empty list.
	if _, err := s.projectService.GetProject(c.Request().Context(), tenant, projectID); err != nil {
		return mapServiceError(err)
	}

	jobs, err := s.jobService.ListJobs(c.Request().Context(), tenant, models.JobFilters{ProjectID: projectID})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, jobs)
}
