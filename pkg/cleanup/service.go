// Package cleanup enforces session lifecycle policies in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/propengine/kbengine/pkg/accounting"
	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/metrics"
	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/session"
	"github.com/propengine/kbengine/pkg/store"
)

// Service periodically ends sessions that have been inactive past the
// session TTL or reached the per-session message cap, flushing each
// ended session's buffered analytics and identity aggregates.
// All operations are idempotent.
type Service struct {
	cfg        config.SessionConfig
	durable    *store.Postgres
	sessions   *session.Store
	collector  *metrics.Collector
	accountant *accounting.Accountant

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the sweeper.
func NewService(cfg config.SessionConfig, durable *store.Postgres, sessions *session.Store, collector *metrics.Collector, accountant *accounting.Accountant) *Service {
	return &Service{
		cfg:        cfg,
		durable:    durable,
		sessions:   sessions,
		collector:  collector,
		accountant: accountant,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Session sweeper started",
		"ttl", s.cfg.TTL, "message_cap", s.cfg.MessageCap, "interval", s.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Session sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.TTL)
	headers, err := s.durable.ListIdleSessions(ctx, cutoff, s.cfg.MessageCap, 100)
	if err != nil {
		slog.Error("Idle-session sweep query failed", "error", err)
		return
	}

	for _, h := range headers {
		reason := models.EndReasonInactivity
		if h.MessageCount >= s.cfg.MessageCap {
			reason = models.EndReasonMessageCap
		}
		if err := s.sessions.End(ctx, h.ID, reason); err != nil {
			slog.Error("Failed to end idle session", "session_id", h.ID, "error", err)
			continue
		}

		queries := len(s.collector.Pending(h.ID))
		if err := s.collector.FlushSession(ctx, h.ID); err != nil {
			slog.Error("Analytics flush failed during sweep", "session_id", h.ID, "error", err)
		}
		totalCost := s.accountant.SessionTotal(h.ID)
		if queries > 0 || totalCost > 0 {
			if err := s.durable.UpdateIdentityAggregate(ctx, h.Identity, queries, totalCost); err != nil {
				slog.Error("Identity aggregate update failed during sweep",
					"session_id", h.ID, "identity", h.Identity, "error", err)
			}
		}
		s.accountant.Forget(h.ID)

		slog.Info("Ended idle session", "session_id", h.ID, "reason", reason)
	}
}
