package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/propengine/kbengine/pkg/store"
)

// mapStoreError maps store-layer errors to HTTP error responses. Internal
// detail is logged, never surfaced.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrSessionEnded) {
		return echo.NewHTTPError(http.StatusConflict, "session has ended")
	}

	slog.Error("Unexpected store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
