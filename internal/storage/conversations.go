package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maestro-crm/maestro/internal/model"
)

// CreateConversation inserts a new conversation and returns it with
// database-assigned id and timestamps.
func (db *DB) CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO conversations (user_id, title, model_id, context_type, context_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, user_id, title, model_id, context_type, context_id,
		           is_archived, created_at, updated_at`,
		c.UserID, c.Title, c.ModelID, c.ContextType, c.ContextID,
	)
	out, err := scanConversation(row)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return out, nil
}

// GetConversation returns one conversation owned by userID. Returns
// ErrNotFound both when the id does not exist and when it belongs to
// someone else.
func (db *DB) GetConversation(ctx context.Context, userID, id uuid.UUID) (model.Conversation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, user_id, title, model_id, context_type, context_id,
		        is_archived, created_at, updated_at
		 FROM conversations
		 WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	out, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return out, nil
}

// ListFilter narrows and pages a conversation listing. Nil filter fields
// mean "no constraint"; Page is zero-based.
type ListFilter struct {
	IsArchived  *bool
	ContextType *model.ContextType
	Page        int
	PageSize    int
}

// ListConversations returns one page of the caller's conversations newest
// by updated_at first, plus the total count matching the filters.
func (db *DB) ListConversations(ctx context.Context, userID uuid.UUID, f ListFilter) ([]model.ConversationSummary, int, error) {
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.Page < 0 {
		f.Page = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM conversations
		 WHERE user_id = $1
		   AND ($2::boolean IS NULL OR is_archived = $2)
		   AND ($3::text IS NULL OR context_type = $3)`,
		userID, f.IsArchived, f.ContextType,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count conversations: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, title, context_type, created_at, updated_at
		 FROM conversations
		 WHERE user_id = $1
		   AND ($2::boolean IS NULL OR is_archived = $2)
		   AND ($3::text IS NULL OR context_type = $3)
		 ORDER BY updated_at DESC
		 LIMIT $4 OFFSET $5`,
		userID, f.IsArchived, f.ContextType, f.PageSize, f.Page*f.PageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.ConversationSummary
	for rows.Next() {
		var s model.ConversationSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.ContextType, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan conversation summary: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// UpdateConversationTitle sets the title of a conversation owned by userID.
func (db *DB) UpdateConversationTitle(ctx context.Context, userID, id uuid.UUID, title string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET title = $3, updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		id, userID, title,
	)
	if err != nil {
		return fmt.Errorf("storage: update conversation title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConversationArchived flips the archived flag of a conversation owned
// by userID.
func (db *DB) SetConversationArchived(ctx context.Context, userID, id uuid.UUID, archived bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET is_archived = $3, updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		id, userID, archived,
	)
	if err != nil {
		return fmt.Errorf("storage: set conversation archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation owned by userID; messages go
// with it via ON DELETE CASCADE.
func (db *DB) DeleteConversation(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchConversation bumps updated_at so the conversation sorts to the top
// of the list after new messages arrive.
func (db *DB) TouchConversation(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("storage: touch conversation: %w", err)
	}
	return nil
}

type conversationRow interface {
	Scan(dest ...any) error
}

func scanConversation(row conversationRow) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.ContextType,
		&c.ContextID, &c.IsArchived, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
