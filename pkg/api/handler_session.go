package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/store"
)

// endSessionHandler handles POST /api/sessions/end. Ending a session
// flushes its buffered analytics batch and folds its totals into the
// identity aggregates.
func (s *Server) endSessionHandler(c *echo.Context) error {
	var req EndSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}

	ctx := c.Request().Context()

	header, err := s.records.GetSession(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if err != nil {
		return mapStoreError(err)
	}

	if err := s.sessions.End(ctx, req.SessionID, models.EndReasonClient); err != nil {
		return mapStoreError(err)
	}

	queries := len(s.collector.Pending(req.SessionID))
	if err := s.collector.FlushSession(ctx, req.SessionID); err != nil {
		slog.Error("Analytics flush failed at session end",
			"session_id", req.SessionID, "error", err)
	}

	totalCost := s.accountant.SessionTotal(req.SessionID)
	if queries > 0 || totalCost > 0 {
		if err := s.records.UpdateIdentityAggregate(ctx, header.Identity, queries, totalCost); err != nil {
			slog.Error("Identity aggregate update failed",
				"session_id", req.SessionID, "identity", header.Identity, "error", err)
		}
	}
	s.accountant.Forget(req.SessionID)

	return c.JSON(http.StatusOK, map[string]any{
		"session_id": req.SessionID,
		"status":     string(models.SessionEnded),
	})
}
