package agent

import (
	"context"
	"log/slog"

	"github.com/maestro-crm/maestro/internal/provider"
)

// Executor dispatches agent invocations to the active AI provider and
// normalizes the outcome into a Result. It never returns an error: every
// failure mode becomes a failure Result so callers have one shape to handle.
type Executor struct {
	provider provider.Provider
	logger   *slog.Logger
}

func NewExecutor(p provider.Provider, logger *slog.Logger) *Executor {
	return &Executor{provider: p, logger: logger}
}

// Execute runs the agent identified by agentID against the given input.
// The input map uses the agent's declared snake_case field names. modelID
// is the already-resolved provider model; empty means the provider default.
func (e *Executor) Execute(ctx context.Context, agentID, modelID string, input map[string]any) *Result {
	spec, err := Lookup(agentID)
	if err != nil {
		return Fail(err.Error())
	}

	if !e.provider.IsAvailable(ctx) {
		e.logger.Warn("agent: provider unavailable, attaching fallback",
			"agent_id", agentID, "provider", e.provider.Name())
		r := Fail("AI provider is currently unavailable")
		if t, ok := FallbackTemplate(agentID); ok {
			r.Fallback = t
		}
		return r
	}

	completion, err := e.provider.Complete(ctx, provider.CompletionRequest{
		Model: modelID,
		Messages: []provider.Message{
			{Role: "system", Content: spec.SystemPrompt},
			{Role: "user", Content: renderPrompt(spec, input)},
		},
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	})
	if err != nil {
		e.logger.Error("agent: completion failed",
			"agent_id", agentID, "model", modelID, "error", err)
		r := Fail(err.Error())
		if t, ok := FallbackTemplate(agentID); ok {
			r.Fallback = t
		}
		return r
	}

	return Succeed(completion.Content, completion.TokensUsed)
}

// ExecuteChat runs the chat agent against an explicit message list. The
// caller supplies conversation history; the chat system preamble is
// prepended here so history persistence never stores it.
func (e *Executor) ExecuteChat(ctx context.Context, modelID string, history []provider.Message) *Result {
	spec, _ := Lookup(IDChat)

	if !e.provider.IsAvailable(ctx) {
		e.logger.Warn("agent: provider unavailable, attaching fallback",
			"agent_id", IDChat, "provider", e.provider.Name())
		r := Fail("AI provider is currently unavailable")
		r.Fallback = fallbackTemplates[IDChat]
		return r
	}

	messages := make([]provider.Message, 0, len(history)+1)
	messages = append(messages, provider.Message{Role: "system", Content: spec.SystemPrompt})
	messages = append(messages, history...)

	completion, err := e.provider.Complete(ctx, provider.CompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	})
	if err != nil {
		e.logger.Error("agent: chat completion failed", "model", modelID, "error", err)
		r := Fail(err.Error())
		r.Fallback = fallbackTemplates[IDChat]
		return r
	}

	return Succeed(completion.Content, completion.TokensUsed)
}
