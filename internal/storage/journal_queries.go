package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/KevinKickass/OpenLaserCore/internal/console"
	"github.com/KevinKickass/OpenLaserCore/internal/recovery"
)

// MessageQuery selects journaled console messages, newest first.
type MessageQuery struct {
	Since      time.Time
	Severities []string
	Limit      int
}

var messageColumns = []string{"id", "ts", "severity", "msg_type", "origin", "text", "pinned"}

// InsertMessages writes a batch of console messages with COPY.
func (p *PostgresClient) InsertMessages(ctx context.Context, msgs []console.Message) error {
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		rows[i] = []any{m.ID, m.Timestamp, string(m.Severity), string(m.Type), m.Origin, m.Text, m.Pinned}
	}
	_, err := p.pool.CopyFrom(ctx, pgx.Identifier{"console_messages"}, messageColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy console messages: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListMessages(ctx context.Context, q MessageQuery) ([]console.Message, error) {
	if q.Limit <= 0 || q.Limit > 5000 {
		q.Limit = 500
	}
	var severities []string
	if len(q.Severities) > 0 {
		severities = q.Severities
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, ts, severity, msg_type, origin, text, pinned
		FROM console_messages
		WHERE ts >= $1 AND ($2::text[] IS NULL OR severity = ANY($2) OR pinned)
		ORDER BY ts DESC
		LIMIT $3
	`, q.Since, severities, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query console messages: %w", err)
	}
	defer rows.Close()

	var out []console.Message
	for rows.Next() {
		var m console.Message
		var id uuid.UUID
		var sev, typ string
		if err := rows.Scan(&id, &m.Timestamp, &sev, &typ, &m.Origin, &m.Text, &m.Pinned); err != nil {
			return nil, fmt.Errorf("failed to scan console message: %w", err)
		}
		m.ID = id
		m.Severity = console.Severity(sev)
		m.Type = console.Type(typ)
		m.Visible = true
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresClient) InsertAction(ctx context.Context, rec recovery.ActionRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO recovery_actions (id, episode, ts, action, kind, cause, line, attempt, success, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Episode, rec.Timestamp, string(rec.Action), rec.Kind, rec.Cause,
		rec.Line, rec.Attempt, rec.Success, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to insert recovery action: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListActions(ctx context.Context, limit int) ([]recovery.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, episode, ts, action, kind, cause, line, attempt, success, error
		FROM recovery_actions
		ORDER BY ts DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery actions: %w", err)
	}
	defer rows.Close()

	var out []recovery.ActionRecord
	for rows.Next() {
		var rec recovery.ActionRecord
		var id uuid.UUID
		var action string
		if err := rows.Scan(&id, &rec.Episode, &rec.Timestamp, &action, &rec.Kind, &rec.Cause,
			&rec.Line, &rec.Attempt, &rec.Success, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan recovery action: %w", err)
		}
		rec.ID = id.String()
		rec.Action = recovery.Action(action)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LogAuthEvent records a token exchange attempt.
func (p *PostgresClient) LogAuthEvent(ctx context.Context, eventType, operator, ipAddress string, success bool, reason string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_events (event_type, operator, ip_address, success, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, eventType, operator, ipAddress, success, reason)
	return err
}
