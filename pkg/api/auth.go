package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// tenantHeader carries the caller's identity, injected by the gateway in
// front of this service after JWT verification. The service itself never
// sees credentials.
const tenantHeader = "X-Tenant-ID"

// tenantContextKey is the echo context key the authenticated tenant is
// stored under by requireTenant.
const tenantContextKey = "tenant_id"

// requireTenant returns middleware that rejects requests without a tenant
// identity. Handlers behind it can rely on tenantID(c) being non-empty.
func requireTenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			tenant := strings.TrimSpace(c.Request().Header.Get(tenantHeader))
			if tenant == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "X-Tenant-ID header is required")
			}
			c.Set(tenantContextKey, tenant)
			return next(c)
		}
	}
}

// tenantID returns the authenticated tenant set by requireTenant.
func tenantID(c *echo.Context) string {
	if v, ok := c.Get(tenantContextKey).(string); ok {
		return v
	}
	return ""
}
