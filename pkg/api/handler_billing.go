package api

import (
	"bytes"
	"encoding/csv"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/vibeworks/vibed/pkg/models"
)

// checkBillingTenant enforces that the tenant addressed in the URL is the
// authenticated tenant. Billing data never crosses the tenant boundary.
func checkBillingTenant(c *echo.Context) (string, error) {
	urlTenant := c.Param("tenantId")
	if urlTenant == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	if urlTenant != tenantID(c) {
		return "", echo.NewHTTPError(http.StatusForbidden, "cannot access another tenant's billing data")
	}
	return urlTenant, nil
}

// billingUsageHandler handles GET /billing/usage/:tenantId.
func (s *Server) billingUsageHandler(c *echo.Context) error {
	tenant, err := checkBillingTenant(c)
	if err != nil {
		return err
	}

	summary, err := s.billingService.Usage(c.Request().Context(), tenant)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// billingExportHandler handles GET /billing/export/:tenantId, returning
// one CSV line per job with token usage.
func (s *Server) billingExportHandler(c *echo.Context) error {
	tenant, err := checkBillingTenant(c)
	if err != nil {
		return err
	}

	rows, err := s.billingService.Export(c.Request().Context(), tenant)
	if err != nil {
		return mapServiceError(err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"date", "model", "input_tokens", "output_tokens", "cost_usd", "task_id"})
	for _, row := range rows {
		_ = w.Write([]string{
			row.Date,
			row.Model,
			strconv.FormatInt(row.InputTokens, 10),
			strconv.FormatInt(row.OutputTokens, 10),
			strconv.FormatFloat(row.CostUSD, 'f', 6, 64),
			row.TaskID,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return mapServiceError(err)
	}

	c.Response().Header().Set("Content-Disposition", `attachment; filename="usage-`+tenant+`.csv"`)
	return c.Blob(http.StatusOK, "text/csv", buf.Bytes())
}

// setBudgetHandler handles POST /billing/budget/:tenantId.
func (s *Server) setBudgetHandler(c *echo.Context) error {
	tenant, err := checkBillingTenant(c)
	if err != nil {
		return err
	}

	var req models.SetBudgetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.LimitUSD == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "limitUSD is required")
	}

	budget, err := s.billingService.SetBudget(c.Request().Context(), tenant, *req.LimitUSD)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &BudgetResponse{
		TenantID: budget.TenantID,
		LimitUSD: budget.LimitUSD,
		Message:  "budget updated",
	})
}
