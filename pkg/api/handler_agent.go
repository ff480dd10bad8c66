package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	echo "github.com/labstack/echo/v5"

	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/orchestrator"
)

// agentQueryHandler handles POST /api/agent/:flavour/.
func (s *Server) agentQueryHandler(c *echo.Context) error {
	// 1. Resolve the agent profile.
	profile, ok := models.ProfileFor(c.Param("flavour"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown agent flavour")
	}

	// 2. Bind and validate the request body.
	var req AgentQueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		return echo.NewHTTPError(http.StatusBadRequest, "message exceeds maximum length of 4000 characters")
	}

	// 3. Resolve the caller identity for rate limiting and attribution.
	var userInfo models.UserInfo
	if req.UserInfo != nil {
		userInfo = *req.UserInfo
	}
	identity := userInfo.Identity(remoteHost(c))

	// 4. Rate limit. Headers go out on every response, denied included.
	decision := s.limiter.Check(c.Request().Context(), identity, profile.RateLimitClass)
	setRateLimitHeaders(c, decision)
	if !decision.Allowed {
		return c.JSON(http.StatusTooManyRequests, &RateLimitedResponse{
			Error:          "rate_limited",
			Message:        "Too many requests. Please try again later.",
			Limit:          decision.Limit,
			Remaining:      decision.Remaining,
			ResetInSeconds: decision.ResetInSeconds(),
		})
	}

	// 5. Run the pipeline under the request deadline.
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.Server.RequestDeadline)
	defer cancel()

	res, err := s.engine.Handle(ctx, orchestrator.Request{
		Profile:   profile,
		SessionID: req.SessionID,
		Message:   req.Message,
		Identity:  identity,
	})
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, buildResponse(profile, res))
}

// remoteHost returns the request source address without the port,
// honouring X-Forwarded-For when a proxy sits in front.
func remoteHost(c *echo.Context) string {
	if forwarded := c.Request().Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			forwarded = forwarded[:i]
		}
		return strings.TrimSpace(forwarded)
	}
	if host, _, err := net.SplitHostPort(c.Request().RemoteAddr); err == nil {
		return host
	}
	return c.Request().RemoteAddr
}
