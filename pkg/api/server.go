// Package api provides the HTTP surface of the query orchestration
// engine.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/propengine/kbengine/pkg/accounting"
	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/masking"
	"github.com/propengine/kbengine/pkg/metrics"
	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/orchestrator"
	"github.com/propengine/kbengine/pkg/ratelimit"
	"github.com/propengine/kbengine/pkg/store"
)

// Engine is the orchestration boundary the transport drives.
type Engine interface {
	Handle(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// Limiter is the rate-limit boundary.
type Limiter interface {
	Check(ctx context.Context, identity, class string) ratelimit.Decision
}

// Sessions is the slice of the session store the transport needs.
type Sessions interface {
	End(ctx context.Context, sessionID string, reason models.EndReason) error
}

// Records is the durable-store slice behind the ancillary endpoints.
type Records interface {
	GetSession(ctx context.Context, id string) (models.SessionHeader, error)
	InsertFailure(ctx context.Context, f store.Failure) error
	GetFailure(ctx context.Context, id string) (store.Failure, error)
	TransitionFailure(ctx context.Context, id string, to store.FailureStatus) error
	InsertFeedback(ctx context.Context, sessionID string, messageIndex int, helpful bool, comment, identity string) error
	UpdateIdentityAggregate(ctx context.Context, identity string, queries int, costUSD float64) error
}

// Pinger reports one component's reachability for the health endpoint.
type Pinger func(ctx context.Context) error

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config

	engine     Engine
	limiter    Limiter
	sessions   Sessions
	records    Records
	collector  *metrics.Collector
	accountant *accounting.Accountant
	masker     *masking.Service // nil until set
	pingers    map[string]Pinger
}

// SetMasker installs credential masking for failure-record query text.
func (s *Server) SetMasker(m *masking.Service) {
	s.masker = m
}

// NewServer creates the API server and registers its routes.
func NewServer(
	cfg *config.Config,
	engine Engine,
	limiter Limiter,
	sessions Sessions,
	records Records,
	collector *metrics.Collector,
	accountant *accounting.Accountant,
	pingers map[string]Pinger,
) *Server {
	e := echo.New()

	s := &Server{
		echo:       e,
		cfg:        cfg,
		engine:     engine,
		limiter:    limiter,
		sessions:   sessions,
		records:    records,
		collector:  collector,
		accountant: accountant,
		pingers:    pingers,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	// Body limit sits above the 4000-char message bound to reject huge
	// payloads before deserialization.
	s.echo.Use(middleware.BodyLimit(64 * 1024))
	s.echo.Use(securityHeaders())
	s.echo.Use(requestLogger())

	s.echo.GET("/api/health", s.healthHandler)

	api := s.echo.Group("/api")
	api.POST("/agent/:flavour/", s.agentQueryHandler)
	api.POST("/agent/:flavour", s.agentQueryHandler)

	api.POST("/agent-failure/", s.recordFailureHandler)
	api.POST("/agent-failure/:id/create-ticket", s.createTicketHandler)
	api.PATCH("/agent-failure/:id/decline", s.declineFailureHandler)

	api.POST("/feedback/", s.feedbackHandler)
	api.POST("/sessions/end", s.endSessionHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
