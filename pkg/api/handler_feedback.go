package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/propengine/kbengine/pkg/models"
)

// feedbackHandler handles POST /api/feedback/.
func (s *Server) feedbackHandler(c *echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	if req.Helpful == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "helpful is required")
	}
	if req.MessageIndex < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "message_index must be non-negative")
	}

	var userInfo models.UserInfo
	if req.UserInfo != nil {
		userInfo = *req.UserInfo
	}
	identity := userInfo.Identity(remoteHost(c))

	decision := s.limiter.Check(c.Request().Context(), identity, "feedback")
	setRateLimitHeaders(c, decision)
	if !decision.Allowed {
		return c.JSON(http.StatusTooManyRequests, &RateLimitedResponse{
			Error:          "rate_limited",
			Message:        "Too many feedback submissions. Please try again later.",
			Limit:          decision.Limit,
			Remaining:      decision.Remaining,
			ResetInSeconds: decision.ResetInSeconds(),
		})
	}

	err := s.records.InsertFeedback(c.Request().Context(),
		req.SessionID, req.MessageIndex, *req.Helpful, req.Comment, identity)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"status": "recorded"})
}
