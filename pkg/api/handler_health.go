package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/propengine/kbengine/pkg/version"
)

// healthHandler handles GET /api/health. A degraded component downgrades
// the status without failing the endpoint; only total unavailability
// returns 503.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string, len(s.pingers))
	healthy := 0
	for name, ping := range s.pingers {
		if err := ping(ctx); err != nil {
			components[name] = "unreachable: " + err.Error()
			continue
		}
		components[name] = "ok"
		healthy++
	}

	resp := &HealthResponse{
		Status:     "healthy",
		Version:    version.Full(),
		Components: components,
	}
	switch {
	case healthy == len(s.pingers):
	case healthy > 0:
		resp.Status = "degraded"
	default:
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
