package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/maestro-crm/maestro/internal/agent"
	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/provider"
	"github.com/maestro-crm/maestro/internal/service/conversation"
)

// chatHistoryWindow bounds how many prior messages feed the model.
const chatHistoryWindow = 20

// Conversations is the slice of the conversation store the chat path needs.
type Conversations interface {
	History(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error)
	SaveMessages(ctx context.Context, p conversation.SaveMessagesParams) error
	TrackUsage(ctx context.Context, d model.UsageDelta)
}

// ChatInput is one chat turn. A nil ConversationID means a fresh exchange
// with no history; ModelID "" selects the configured default.
type ChatInput struct {
	ConversationID *uuid.UUID `json:"conversationId,omitempty"`
	Message        string     `json:"message"`
	ModelID        string     `json:"modelId,omitempty"`
}

// ChatOutput is Output plus the model that actually served the turn and
// its token cost.
type ChatOutput struct {
	Output
	ModelID    string `json:"modelId,omitempty"`
	TokensUsed int    `json:"tokensUsed,omitempty"`
}

// Chat runs one freeform exchange: gate, build the message window, invoke
// the chat agent, then fire three isolated side effects (audit row,
// message persistence, usage accounting). No side effect blocks the
// response; each failure is caught and logged independently.
func (s *Service) Chat(ctx context.Context, in ChatInput) (out ChatOutput) {
	start := time.Now()

	var identity auth.Identity
	var resolved bool
	defer func() {
		if r := recover(); r != nil {
			msg := kindFallbacks[model.GenerationChat]
			if err, ok := r.(error); ok {
				msg = err.Error()
			}
			s.logger.Error("generate: recovered chat panic", "panic", fmt.Sprint(r))
			out = ChatOutput{Output: Output{Success: false, Error: msg}}
			if resolved {
				s.chatSideEffects(identity, in, out, time.Since(start))
				s.recordMetrics(ctx, model.GenerationChat, start, false)
			}
		}
	}()

	var err error
	identity, err = s.identity.Resolve(ctx)
	if err != nil {
		return ChatOutput{Output: Output{Success: false, Error: err.Error(), Unauthenticated: errors.Is(err, auth.ErrUnauthenticated)}}
	}
	resolved = true

	dec := s.limiter.Check(ctx, identity.ID.String(), identity.Role, agent.IDChat)
	if !dec.Allowed {
		s.denialCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(model.GenerationChat)),
			attribute.String("role", string(identity.Role)),
		))
		return ChatOutput{Output: Output{Success: false, Error: rateLimitMessage(dec), RetryAfter: dec.RetryAfterSeconds()}}
	}

	requested := in.ModelID
	if requested == "" {
		requested = s.defaultModel
	}
	modelID := provider.AppropriateModel(s.provider, requested, s.logger)

	history, err := s.chatHistory(ctx, in)
	if err != nil {
		out = ChatOutput{Output: Output{Success: false, Error: err.Error()}, ModelID: modelID}
		s.chatSideEffects(identity, in, out, time.Since(start))
		s.recordMetrics(ctx, model.GenerationChat, start, false)
		return out
	}

	result := s.adapter.ExecuteChat(ctx, modelID, history)
	if !agent.IsSuccess(result) {
		out = ChatOutput{Output: Output{Success: false, Error: agent.FormatError(result)}, ModelID: modelID}
		if result != nil {
			out.Fallback = result.Fallback
		}
		s.chatSideEffects(identity, in, out, time.Since(start))
		s.recordMetrics(ctx, model.GenerationChat, start, false)
		return out
	}

	out = ChatOutput{
		Output:     Output{Success: true, Content: agent.ExtractContent(result)},
		ModelID:    modelID,
		TokensUsed: result.TokensUsed,
	}
	s.chatSideEffects(identity, in, out, time.Since(start))
	s.recordMetrics(ctx, model.GenerationChat, start, true)
	return out
}

// ChatStream runs Chat and frames the completed reply as growing-prefix
// chunks. Side effects have already fired by the time the first chunk is
// delivered.
func (s *Service) ChatStream(ctx context.Context, in ChatInput) (<-chan string, ChatOutput, error) {
	out := s.Chat(ctx, in)
	ch, err := s.stream(ctx, out.Output)
	if err != nil {
		return nil, out, err
	}
	return ch, out, nil
}

// chatHistory assembles the prior-message window for a turn: up to the
// last chatHistoryWindow stored messages, then the new user prompt. The
// system preamble is prepended by the adapter.
func (s *Service) chatHistory(ctx context.Context, in ChatInput) ([]provider.Message, error) {
	var history []provider.Message
	if in.ConversationID != nil {
		msgs, err := s.convos.History(ctx, *in.ConversationID, chatHistoryWindow)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			history = append(history, provider.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	return append(history, provider.Message{Role: "user", Content: in.Message}), nil
}

// chatSideEffects fires the three detached side effects of a chat turn.
// Each runs in its own goroutine with its own context carrying the
// caller's identity, so one failing cannot take the others down.
func (s *Service) chatSideEffects(identity auth.Identity, in ChatInput, out ChatOutput, latency time.Duration) {
	agentID := agent.IDChat
	modelID := out.ModelID
	providerName := s.provider.Name()
	latencyMs := int(latency.Milliseconds())

	rec := model.GenerationRecord{
		ID:            uuid.New(),
		UserID:        identity.ID,
		Type:          model.GenerationChat,
		AgentID:       &agentID,
		Provider:      &providerName,
		InputParams:   map[string]any{"message": in.Message},
		OutputContent: out.Content,
		IsSuccessful:  out.Success,
		CreatedAt:     time.Now().UTC(),
	}
	if modelID != "" {
		rec.ModelID = &modelID
	}
	if !out.Success {
		msg := out.Error
		rec.ErrorMessage = &msg
	}
	s.runner.Go("chat:audit", func(context.Context) error {
		s.audit.Record(rec)
		return nil
	})

	if out.Success && in.ConversationID != nil {
		tokens := out.TokensUsed
		s.runner.Go("chat:save-messages", func(ctx context.Context) error {
			ctx = auth.WithIdentity(ctx, identity)
			return s.convos.SaveMessages(ctx, conversation.SaveMessagesParams{
				ConversationID:   *in.ConversationID,
				UserMessage:      in.Message,
				AssistantMessage: out.Content,
				ModelID:          modelID,
				TokensUsed:       &tokens,
				LatencyMs:        &latencyMs,
			})
		})
	}

	s.runner.Go("chat:track-usage", func(ctx context.Context) error {
		ctx = auth.WithIdentity(ctx, identity)
		s.convos.TrackUsage(ctx, model.UsageDelta{
			ModelID:    modelID,
			TokensUsed: out.TokensUsed,
			LatencyMs:  latencyMs,
			IsError:    !out.Success,
		})
		return nil
	})
}
