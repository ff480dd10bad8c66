package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/propengine/kbengine/pkg/store"
)

// recordFailureHandler handles POST /api/agent-failure/.
func (s *Server) recordFailureHandler(c *echo.Context) error {
	var req FailureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.QueryText == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query_text is required")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}

	queryText := req.QueryText
	if s.masker != nil {
		queryText = s.masker.Mask(queryText)
	}
	failure := store.Failure{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		QueryText: queryText,
		Reason:    req.Reason,
		Status:    store.FailureRecorded,
		CreatedAt: time.Now(),
	}
	if err := s.records.InsertFailure(c.Request().Context(), failure); err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusCreated, &FailureResponse{
		FailureID: failure.ID,
		Status:    string(failure.Status),
	})
}

// createTicketHandler handles POST /api/agent-failure/:id/create-ticket.
// The ticket subsystem consumes the transitioned record; this endpoint
// only performs the hand-off, rate-limited per identity.
func (s *Server) createTicketHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "failure id is required")
	}

	decision := s.limiter.Check(c.Request().Context(), remoteHost(c), "ticket")
	setRateLimitHeaders(c, decision)
	if !decision.Allowed {
		return c.JSON(http.StatusTooManyRequests, &RateLimitedResponse{
			Error:          "rate_limited",
			Message:        "Too many ticket requests. Please try again later.",
			Limit:          decision.Limit,
			Remaining:      decision.Remaining,
			ResetInSeconds: decision.ResetInSeconds(),
		})
	}

	if err := s.records.TransitionFailure(c.Request().Context(), id, store.FailureTicketCreated); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &FailureResponse{
		FailureID: id,
		Status:    string(store.FailureTicketCreated),
	})
}

// declineFailureHandler handles PATCH /api/agent-failure/:id/decline.
func (s *Server) declineFailureHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "failure id is required")
	}

	if err := s.records.TransitionFailure(c.Request().Context(), id, store.FailureDeclined); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &FailureResponse{
		FailureID: id,
		Status:    string(store.FailureDeclined),
	})
}
