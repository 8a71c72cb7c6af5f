package model

import (
	"time"

	"github.com/google/uuid"
)

// GenerationType enumerates the supported generation kinds.
type GenerationType string

const (
	GenerationChat              GenerationType = "chat"
	GenerationLessonNotes       GenerationType = "lesson_notes"
	GenerationAssignment        GenerationType = "assignment"
	GenerationEmailDraft        GenerationType = "email_draft"
	GenerationPostLessonSummary GenerationType = "post_lesson_summary"
	GenerationStudentProgress   GenerationType = "student_progress"
	GenerationAdminInsights     GenerationType = "admin_insights"
)

// GenerationRecord is an audit row capturing one generation attempt,
// successful or not. Write-only from the orchestrator's point of view:
// it is created once and never mutated or read back by this service
// (the reporting UI consumes it separately).
type GenerationRecord struct {
	ID            uuid.UUID      `json:"id"`
	UserID        uuid.UUID      `json:"user_id"`
	Type          GenerationType `json:"generation_type"`
	AgentID       *string        `json:"agent_id,omitempty"`
	ModelID       *string        `json:"model_id,omitempty"`
	Provider      *string        `json:"provider,omitempty"`
	InputParams   map[string]any `json:"input_params"`
	OutputContent string         `json:"output_content"` // empty on failure
	IsSuccessful  bool           `json:"is_successful"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ContextType   *string        `json:"context_type,omitempty"`
	ContextID     *uuid.UUID     `json:"context_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ModelInfo describes one model offered by the active provider.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
