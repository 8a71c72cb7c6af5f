// Package conversation implements the conversation and usage store: CRUD
// over dialogue threads, paired message persistence with auto-titling, and
// daily usage accounting.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/storage"
)

// autoTitleMaxLen caps derived titles; longer first messages are cut to 57
// characters plus an ellipsis.
const autoTitleMaxLen = 60

// Store is the subset of the storage layer this service needs. Narrowed to
// an interface so tests can substitute a fake.
type Store interface {
	CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error)
	GetConversation(ctx context.Context, userID, id uuid.UUID) (model.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID, f storage.ListFilter) ([]model.ConversationSummary, int, error)
	UpdateConversationTitle(ctx context.Context, userID, id uuid.UUID, title string) error
	SetConversationArchived(ctx context.Context, userID, id uuid.UUID, archived bool) error
	DeleteConversation(ctx context.Context, userID, id uuid.UUID) error
	TouchConversation(ctx context.Context, id uuid.UUID) error
	InsertMessages(ctx context.Context, msgs []model.Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error)
	CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error)
	UpsertUsage(ctx context.Context, userID uuid.UUID, day time.Time, d model.UsageDelta) error
	ListUsage(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.UsageStat, error)
}

// Service wires identity resolution to the conversation store. Every
// operation requires a resolved identity and scopes queries to it.
type Service struct {
	store    Store
	identity auth.Resolver
	logger   *slog.Logger
}

func New(store Store, identity auth.Resolver, logger *slog.Logger) *Service {
	return &Service{store: store, identity: identity, logger: logger}
}

// CreateParams describes a new conversation. ContextType defaults to
// "general" when nil.
type CreateParams struct {
	Title       *string
	ModelID     string
	ContextType *model.ContextType
	ContextID   *uuid.UUID
}

func (s *Service) Create(ctx context.Context, p CreateParams) (model.Conversation, error) {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return model.Conversation{}, err
	}

	ctxType := model.ContextGeneral
	if p.ContextType != nil {
		ctxType = *p.ContextType
	}

	c, err := s.store.CreateConversation(ctx, model.Conversation{
		UserID:      id.ID,
		Title:       p.Title,
		ModelID:     p.ModelID,
		ContextType: ctxType,
		ContextID:   p.ContextID,
	})
	if err != nil {
		return model.Conversation{}, err
	}
	return c, nil
}

// ListParams filters and pages a listing. Nil filters mean "no constraint".
type ListParams struct {
	IsArchived  *bool
	ContextType *model.ContextType
	Page        int
	PageSize    int
}

func (s *Service) List(ctx context.Context, p ListParams) ([]model.ConversationSummary, int, error) {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return nil, 0, err
	}
	return s.store.ListConversations(ctx, id.ID, storage.ListFilter{
		IsArchived:  p.IsArchived,
		ContextType: p.ContextType,
		Page:        p.Page,
		PageSize:    p.PageSize,
	})
}

// WithMessages is a conversation plus its full message history.
type WithMessages struct {
	model.Conversation
	Messages []model.Message `json:"messages"`
}

func (s *Service) Get(ctx context.Context, conversationID uuid.UUID) (WithMessages, error) {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return WithMessages{}, err
	}

	c, err := s.store.GetConversation(ctx, id.ID, conversationID)
	if err != nil {
		return WithMessages{}, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return WithMessages{}, err
	}
	return WithMessages{Conversation: c, Messages: msgs}, nil
}

func (s *Service) UpdateTitle(ctx context.Context, conversationID uuid.UUID, title string) error {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return err
	}
	return s.store.UpdateConversationTitle(ctx, id.ID, conversationID, title)
}

func (s *Service) Archive(ctx context.Context, conversationID uuid.UUID, archived bool) error {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return err
	}
	return s.store.SetConversationArchived(ctx, id.ID, conversationID, archived)
}

func (s *Service) Delete(ctx context.Context, conversationID uuid.UUID) error {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return err
	}
	return s.store.DeleteConversation(ctx, id.ID, conversationID)
}

// SaveMessagesParams is one user/assistant exchange to persist.
type SaveMessagesParams struct {
	ConversationID   uuid.UUID
	UserMessage      string
	AssistantMessage string
	ModelID          string
	TokensUsed       *int
	LatencyMs        *int
}

// SaveMessages appends the exchange as two rows in one batch, bumps the
// conversation's updated_at, and auto-titles first exchanges. A failed
// title update is logged, not surfaced: the message save already happened.
func (s *Service) SaveMessages(ctx context.Context, p SaveMessagesParams) error {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return err
	}

	// Ownership check before writing anything.
	if _, err := s.store.GetConversation(ctx, id.ID, p.ConversationID); err != nil {
		return err
	}

	now := time.Now().UTC()
	modelID := p.ModelID
	err = s.store.InsertMessages(ctx, []model.Message{
		{
			ID:             uuid.New(),
			ConversationID: p.ConversationID,
			Role:           model.MessageRoleUser,
			Content:        p.UserMessage,
			CreatedAt:      now,
		},
		{
			ID:             uuid.New(),
			ConversationID: p.ConversationID,
			Role:           model.MessageRoleAssistant,
			Content:        p.AssistantMessage,
			ModelID:        &modelID,
			TokensUsed:     p.TokensUsed,
			LatencyMs:      p.LatencyMs,
			CreatedAt:      now.Add(time.Millisecond),
		},
	})
	if err != nil {
		return err
	}

	if err := s.store.TouchConversation(ctx, p.ConversationID); err != nil {
		s.logger.Warn("conversation: touch failed", "conversation_id", p.ConversationID, "error", err)
	}

	s.autoTitle(ctx, id.ID, p.ConversationID, p.UserMessage)
	return nil
}

// autoTitle derives a title from the first user message of a conversation.
// Only fires while the conversation holds at most one exchange.
func (s *Service) autoTitle(ctx context.Context, userID, conversationID uuid.UUID, userMessage string) {
	count, err := s.store.CountMessages(ctx, conversationID)
	if err != nil {
		s.logger.Warn("conversation: auto-title count failed",
			"conversation_id", conversationID, "error", err)
		return
	}
	if count > 2 {
		return
	}

	if err := s.store.UpdateConversationTitle(ctx, userID, conversationID, DeriveTitle(userMessage)); err != nil {
		s.logger.Warn("conversation: auto-title update failed",
			"conversation_id", conversationID, "error", err)
	}
}

// DeriveTitle shortens a first message into a list-view title. Messages
// over 60 characters become their first 57 plus "...", exactly 60 total.
func DeriveTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= autoTitleMaxLen {
		return message
	}
	return string(runes[:autoTitleMaxLen-3]) + "..."
}

// History returns the last limit messages of a conversation the caller
// owns, oldest-first, for building chat context windows.
func (s *Service) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetConversation(ctx, id.ID, conversationID); err != nil {
		return nil, err
	}
	return s.store.RecentMessages(ctx, conversationID, limit)
}

// TrackUsage folds one call's usage into today's (user, model) aggregate.
// Never returns an error: usage accounting must not break the feature that
// invoked it, so every failure is logged and swallowed.
func (s *Service) TrackUsage(ctx context.Context, d model.UsageDelta) {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		s.logger.Warn("conversation: usage tracking skipped, no identity", "error", err)
		return
	}

	if err := s.store.UpsertUsage(ctx, id.ID, time.Now().UTC(), d); err != nil {
		s.logger.Error("conversation: usage tracking failed",
			"user_id", id.ID, "model_id", d.ModelID, "error", err)
	}
}

// Usage returns the caller's daily aggregates for the inclusive date range.
func (s *Service) Usage(ctx context.Context, from, to time.Time) ([]model.UsageStat, error) {
	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.ListUsage(ctx, id.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("conversation: list usage: %w", err)
	}
	return stats, nil
}
