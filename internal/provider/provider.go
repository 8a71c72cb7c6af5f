// Package provider abstracts the AI backends that serve completions.
//
// Defines a Provider interface with Ollama (local/offline) and OpenRouter
// (hosted, OpenAI-compatible) implementations. The interface allows
// swapping backends without changing consumers; callers always name models
// using the externally-facing catalog and AppropriateModel translates for
// the local backend.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maestro-crm/maestro/internal/model"
)

// Message is one turn sent to a completion backend.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// CompletionRequest is a full prompt for one completion call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is the normalized result of one completion call.
type Completion struct {
	Content    string
	TokensUsed int
}

// Provider is the boundary to an AI backend.
type Provider interface {
	// Name identifies the backend ("Ollama", "OpenRouter").
	Name() string

	// IsAvailable reports whether the backend is reachable right now.
	// Used for pre-flight degradation, not correctness: a true answer can
	// still be followed by a failing Complete.
	IsAvailable(ctx context.Context) bool

	// ListModels returns the models the backend currently offers.
	ListModels(ctx context.Context) ([]model.ModelInfo, error)

	// Complete sends the prompt and returns the full response text.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// Config selects and parameterizes the active provider.
type Config struct {
	Kind             string // "ollama" or "openrouter"
	OllamaURL        string
	OpenRouterAPIKey string
	OpenRouterURL    string
}

// New creates the configured provider.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	switch cfg.Kind {
	case "ollama":
		logger.Info("provider: using Ollama", "url", cfg.OllamaURL)
		return WithCachedAvailability(NewOllama(cfg.OllamaURL)), nil
	case "openrouter":
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("provider: OPENROUTER_API_KEY is required for the openrouter provider")
		}
		logger.Info("provider: using OpenRouter")
		return WithCachedAvailability(NewOpenRouter(cfg.OpenRouterURL, cfg.OpenRouterAPIKey)), nil
	default:
		return nil, fmt.Errorf("provider: unknown provider kind %q", cfg.Kind)
	}
}
