// Package store is the durable tier: the append-only message log, session
// headers, per-query analytics, identity aggregates, failure records, and
// feedback.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/models"
)

// Postgres is the pgx-backed durable store. Every call is bounded by the
// configured timeout.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres connects the pool and verifies connectivity.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, timeout: cfg.Timeout}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping reports backend reachability for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	cctx, cancel := p.bound(ctx)
	defer cancel()
	return p.pool.Ping(cctx)
}

func (p *Postgres) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

// CreateSession inserts a new session header.
func (p *Postgres) CreateSession(ctx context.Context, header models.SessionHeader) error {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	_, err := p.pool.Exec(cctx,
		`INSERT INTO sessions (id, identity, status, created_at, last_activity)
		 VALUES ($1, $2, $3, $4, $5)`,
		header.ID, header.Identity, string(models.SessionActive), header.CreatedAt, header.LastActivity)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session header. Returns ErrNotFound for unknown ids.
func (p *Postgres) GetSession(ctx context.Context, id string) (models.SessionHeader, error) {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	var h models.SessionHeader
	var endReason *string
	err := p.pool.QueryRow(cctx,
		`SELECT id, identity, status, created_at, last_activity, ended_at, end_reason, message_count
		 FROM sessions WHERE id = $1`, id).
		Scan(&h.ID, &h.Identity, &h.Status, &h.CreatedAt, &h.LastActivity, &h.EndedAt, &endReason, &h.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SessionHeader{}, ErrNotFound
	}
	if err != nil {
		return models.SessionHeader{}, fmt.Errorf("select session: %w", err)
	}
	if endReason != nil {
		h.EndReason = models.EndReason(*endReason)
	}
	return h, nil
}

// AppendMessage appends one message and bumps the session's activity and
// message count in the same transaction, returning the new count.
// Appending to an ended session fails with ErrSessionEnded.
func (p *Postgres) AppendMessage(ctx context.Context, sessionID string, msg models.Message) (int, error) {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.pool.Begin(cctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(cctx)

	var status string
	err = tx.QueryRow(cctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock session: %w", err)
	}
	if models.SessionStatus(status) == models.SessionEnded {
		return 0, ErrSessionEnded
	}

	var metadata []byte
	if msg.Metadata != nil {
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal message metadata: %w", err)
		}
	}
	_, err = tx.Exec(cctx,
		`INSERT INTO messages (session_id, role, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, string(msg.Role), msg.Content, metadata, msg.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	var count int
	err = tx.QueryRow(cctx,
		`UPDATE sessions SET last_activity = $2, message_count = message_count + 1
		 WHERE id = $1 RETURNING message_count`,
		sessionID, msg.Timestamp).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	return count, tx.Commit(cctx)
}

// RecentMessages returns the most recent n messages in chronological
// order.
func (p *Postgres) RecentMessages(ctx context.Context, sessionID string, n int) ([]models.Message, error) {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	rows, err := p.pool.Query(cctx,
		`SELECT role, content, metadata, created_at FROM messages
		 WHERE session_id = $1 ORDER BY id DESC LIMIT $2`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var reversed []models.Message
	for rows.Next() {
		var m models.Message
		var metadata []byte
		if err := rows.Scan(&m.Role, &m.Content, &metadata, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(metadata) > 0 {
			m.Metadata = &models.MessageMetadata{}
			if err := json.Unmarshal(metadata, m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal message metadata: %w", err)
			}
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	messages := make([]models.Message, len(reversed))
	for i, m := range reversed {
		messages[len(reversed)-1-i] = m
	}
	return messages, nil
}

// EndSession marks the session ended. Ending an already-ended session is
// a no-op.
func (p *Postgres) EndSession(ctx context.Context, sessionID string, reason models.EndReason) error {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	tag, err := p.pool.Exec(cctx,
		`UPDATE sessions SET status = $2, ended_at = now(), end_reason = $3
		 WHERE id = $1 AND status <> $2`,
		sessionID, string(models.SessionEnded), string(reason))
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Unknown or already ended; distinguish for the caller.
		if _, getErr := p.GetSession(ctx, sessionID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
	}
	return nil
}

// ListIdleSessions returns active sessions whose last activity predates
// the cutoff, or whose message count reached the cap.
func (p *Postgres) ListIdleSessions(ctx context.Context, cutoff time.Time, messageCap, limit int) ([]models.SessionHeader, error) {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	rows, err := p.pool.Query(cctx,
		`SELECT id, identity, last_activity, message_count FROM sessions
		 WHERE status = $1 AND (last_activity < $2 OR message_count >= $3)
		 ORDER BY last_activity LIMIT $4`,
		string(models.SessionActive), cutoff, messageCap, limit)
	if err != nil {
		return nil, fmt.Errorf("select idle sessions: %w", err)
	}
	defer rows.Close()

	var headers []models.SessionHeader
	for rows.Next() {
		var h models.SessionHeader
		if err := rows.Scan(&h.ID, &h.Identity, &h.LastActivity, &h.MessageCount); err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

// WriteQueryMetrics inserts a batch of analytics records in one round
// trip. Implements the metrics sink.
func (p *Postgres) WriteQueryMetrics(ctx context.Context, records []models.QueryMetrics) error {
	if len(records) == 0 {
		return nil
	}
	cctx, cancel := p.bound(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal metrics record: %w", err)
		}
		batch.Queue(
			`INSERT INTO query_metrics (session_id, record, created_at) VALUES ($1, $2, $3)`,
			r.SessionID, payload, r.CreatedAt)
	}
	results := p.pool.SendBatch(cctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert metrics record: %w", err)
		}
	}
	return nil
}

// UpdateIdentityAggregate folds a finished session's totals into the
// identity-level running aggregates.
func (p *Postgres) UpdateIdentityAggregate(ctx context.Context, identity string, queries int, costUSD float64) error {
	cctx, cancel := p.bound(ctx)
	defer cancel()

	_, err := p.pool.Exec(cctx,
		`INSERT INTO identity_aggregates (identity, total_queries, total_cost_usd, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (identity) DO UPDATE SET
		   total_queries  = identity_aggregates.total_queries + EXCLUDED.total_queries,
		   total_cost_usd = identity_aggregates.total_cost_usd + EXCLUDED.total_cost_usd,
		   updated_at     = now()`,
		identity, queries, costUSD)
	if err != nil {
		return fmt.Errorf("update identity aggregate: %w", err)
	}
	return nil
}
