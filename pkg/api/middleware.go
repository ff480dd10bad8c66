package api

import (
	"log/slog"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/propengine/kbengine/pkg/ratelimit"
)

// securityHeaders returns middleware that sets standard security response
// headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requestLogger returns middleware that logs one line per request.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			status := 0
			if resp, ok := c.Response().(*echo.Response); ok {
				status = resp.Status
			}
			slog.Info("Request handled",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}

// setRateLimitHeaders writes the X-RateLimit-* headers. They are emitted
// on every response, including denied ones.
func setRateLimitHeaders(c *echo.Context, d ratelimit.Decision) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetEpochS, 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(d.ResetInSeconds(), 10))
	}
}
