// Package model defines the core domain types for Maestro.
//
// All types correspond directly to database tables. Types use strong
// typing (UUIDs, time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the caller's role within the school. Rate-limit policy and
// generation permissions key off it.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleTeacher   Role = "teacher"
	RoleStudent   Role = "student"
	RoleAnonymous Role = "anonymous"
)

// KnownRole reports whether r is one of the defined roles. Unknown roles
// are treated as anonymous by policy code.
func KnownRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStudent, RoleAnonymous:
		return true
	}
	return false
}

// ContextType classifies what a conversation is about.
type ContextType string

const (
	ContextGeneral  ContextType = "general"
	ContextLesson   ContextType = "lesson"
	ContextStudent  ContextType = "student"
	ContextSong     ContextType = "song"
	ContextBusiness ContextType = "business"
)

// Conversation is one ongoing AI dialogue thread. A conversation always
// belongs to exactly one user; the store enforces ownership on every query.
type Conversation struct {
	ID          uuid.UUID   `json:"id"`
	UserID      uuid.UUID   `json:"user_id"`
	Title       *string     `json:"title,omitempty"` // nil until auto-set or explicitly set
	ModelID     string      `json:"model_id"`
	ContextType ContextType `json:"context_type"`
	ContextID   *uuid.UUID  `json:"context_id,omitempty"`
	IsArchived  bool        `json:"is_archived"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ConversationSummary is the list-view projection of a conversation.
type ConversationSummary struct {
	ID          uuid.UUID   `json:"id"`
	Title       *string     `json:"title,omitempty"`
	ContextType ContextType `json:"context_type"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// MessageRole is the author of a message turn.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is one turn within a conversation. Immutable once created;
// ordering is by CreatedAt ascending. Deleted with its conversation.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	ModelID        *string     `json:"model_id,omitempty"`
	TokensUsed     *int        `json:"tokens_used,omitempty"`
	LatencyMs      *int        `json:"latency_ms,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// UsageStat is one daily aggregate row per (user, date, model).
// Counters are monotonically non-decreasing within a day.
type UsageStat struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Date           time.Time `json:"date"` // day granularity, UTC
	ModelID        string    `json:"model_id"`
	RequestCount   int       `json:"request_count"`
	TotalTokens    int       `json:"total_tokens"`
	TotalLatencyMs int       `json:"total_latency_ms"`
	ErrorCount     int       `json:"error_count"`
}

// UsageDelta is one call's contribution to a UsageStat row.
type UsageDelta struct {
	ModelID    string
	TokensUsed int
	LatencyMs  int
	IsError    bool
}
