package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// FailureStatus tracks the lifecycle of a recorded agent failure.
type FailureStatus string

const (
	FailureRecorded      FailureStatus = "recorded"
	FailureTicketCreated FailureStatus = "ticket_created"
	FailureDeclined      FailureStatus = "declined"
)

// Failure is one recorded agent-failure context. The ticket subsystem
// consumes these; the engine only records and transitions them.
type Failure struct {
	ID        string        `json:"failure_id"`
	SessionID string        `json:"session_id,omitempty"`
	QueryText string        `json:"query_text"`
	Reason    string        `json:"reason"`
	Status    FailureStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// InsertFailure records a failure context.
func (p *Postgres) InsertFailure(ctx context.Context, f Failure) error {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	_, err := p.pool.Exec(cctx,
		`INSERT INTO agent_failures (id, session_id, query_text, reason, status, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $6)`,
		f.ID, f.SessionID, f.QueryText, f.Reason, string(f.Status), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// GetFailure fetches one failure record.
func (p *Postgres) GetFailure(ctx context.Context, id string) (Failure, error) {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	var f Failure
	var sessionID *string
	err := p.pool.QueryRow(cctx,
		`SELECT id, session_id, query_text, reason, status, created_at, updated_at
		 FROM agent_failures WHERE id = $1`, id).
		Scan(&f.ID, &sessionID, &f.QueryText, &f.Reason, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Failure{}, ErrNotFound
	}
	if err != nil {
		return Failure{}, fmt.Errorf("select failure: %w", err)
	}
	if sessionID != nil {
		f.SessionID = *sessionID
	}
	return f, nil
}

// TransitionFailure moves a failure from the recorded state to a terminal
// one. Only recorded failures transition; anything else is ErrNotFound to
// keep the endpoint idempotent-safe.
func (p *Postgres) TransitionFailure(ctx context.Context, id string, to FailureStatus) error {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	tag, err := p.pool.Exec(cctx,
		`UPDATE agent_failures SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		id, string(to), string(FailureRecorded))
	if err != nil {
		return fmt.Errorf("transition failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertFeedback records thumbs feedback for one assistant message.
func (p *Postgres) InsertFeedback(ctx context.Context, sessionID string, messageIndex int, helpful bool, comment, identity string) error {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	_, err := p.pool.Exec(cctx,
		`INSERT INTO feedback (session_id, message_index, helpful, comment, identity)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))`,
		sessionID, messageIndex, helpful, comment, identity)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}
