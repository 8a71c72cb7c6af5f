package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maestro-crm/maestro/internal/model"
)

// InsertMessages appends messages to a conversation using the COPY
// protocol. Callers assign ids and timestamps so the batch stays ordered.
func (db *DB) InsertMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	columns := []string{"id", "conversation_id", "role", "content", "model_id", "tokens_used", "latency_ms", "created_at"}

	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		rows[i] = []any{m.ID, m.ConversationID, string(m.Role), m.Content, m.ModelID, m.TokensUsed, m.LatencyMs, m.CreatedAt}
	}

	if _, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"messages"}, columns, pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("storage: insert messages: %w", err)
	}
	return nil
}

// ListMessages returns all messages of a conversation oldest-first.
func (db *DB) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, model_id, tokens_used, latency_ms, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the last limit messages of a conversation in
// chronological order, for building chat context windows.
func (db *DB) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, model_id, tokens_used, latency_ms, created_at
		 FROM (
		     SELECT id, conversation_id, role, content, model_id, tokens_used, latency_ms, created_at
		     FROM messages
		     WHERE conversation_id = $1
		     ORDER BY created_at DESC
		     LIMIT $2
		 ) recent
		 ORDER BY created_at ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountMessages returns the number of messages in a conversation.
func (db *DB) CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count messages: %w", err)
	}
	return n, nil
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.ModelID, &m.TokensUsed, &m.LatencyMs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
