package generate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-crm/maestro/internal/agent"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/ratelimit"
)

func TestChatSuccessFiresAllSideEffects(t *testing.T) {
	f := newFixture(t)
	f.adapter.result = agent.Succeed("Sure, here's a tip.", 25)
	convoID := uuid.New()

	out := f.svc.Chat(f.ctx, ChatInput{ConversationID: &convoID, Message: "Any practice tips?"})
	f.runner.Wait()

	require.True(t, out.Success)
	assert.Equal(t, "Sure, here's a tip.", out.Content)
	assert.Equal(t, 25, out.TokensUsed)

	// Audit row.
	require.Equal(t, 1, f.auditor.count())
	assert.Equal(t, model.GenerationChat, f.auditor.last().Type)

	// Message persistence.
	require.Len(t, f.convos.saved, 1)
	assert.Equal(t, convoID, f.convos.saved[0].ConversationID)
	assert.Equal(t, "Any practice tips?", f.convos.saved[0].UserMessage)
	assert.Equal(t, "Sure, here's a tip.", f.convos.saved[0].AssistantMessage)

	// Usage accounting.
	require.Len(t, f.convos.usage, 1)
	assert.Equal(t, 25, f.convos.usage[0].TokensUsed)
	assert.False(t, f.convos.usage[0].IsError)
}

func TestChatWithoutConversationSkipsPersistence(t *testing.T) {
	f := newFixture(t)

	out := f.svc.Chat(f.ctx, ChatInput{Message: "hello"})
	f.runner.Wait()

	require.True(t, out.Success)
	assert.Empty(t, f.convos.saved)
	// Audit and usage still fire.
	assert.Equal(t, 1, f.auditor.count())
	assert.Len(t, f.convos.usage, 1)
}

func TestChatIncludesHistoryWindow(t *testing.T) {
	f := newFixture(t)
	convoID := uuid.New()
	f.convos.history = []model.Message{
		{Role: model.MessageRoleUser, Content: "earlier question"},
		{Role: model.MessageRoleAssistant, Content: "earlier answer"},
	}

	f.svc.Chat(f.ctx, ChatInput{ConversationID: &convoID, Message: "follow-up"})
	f.runner.Wait()

	require.Len(t, f.adapter.lastChat, 3)
	assert.Equal(t, "earlier question", f.adapter.lastChat[0].Content)
	assert.Equal(t, "assistant", f.adapter.lastChat[1].Role)
	assert.Equal(t, "follow-up", f.adapter.lastChat[2].Content)
}

func TestChatAuthGate(t *testing.T) {
	f := newFixture(t)

	out := f.svc.Chat(context.Background(), ChatInput{Message: "hi"})
	f.runner.Wait()

	assert.False(t, out.Success)
	assert.Zero(t, f.limiter.calls)
	assert.Zero(t, f.adapter.calls)
	assert.Zero(t, f.auditor.count())
}

func TestChatRateLimit(t *testing.T) {
	f := newFixture(t)
	f.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: 12 * time.Second}

	out := f.svc.Chat(f.ctx, ChatInput{Message: "hi"})
	f.runner.Wait()

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "Rate limit exceeded")
	assert.Contains(t, out.Error, "12")
	assert.Zero(t, f.adapter.calls)
}

func TestChatSideEffectFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.convos.saveErr = errors.New("messages table locked")
	convoID := uuid.New()

	out := f.svc.Chat(f.ctx, ChatInput{ConversationID: &convoID, Message: "hi"})
	f.runner.Wait()

	// The failed save does not touch the result or the other effects.
	assert.True(t, out.Success)
	assert.Equal(t, 1, f.auditor.count())
	assert.Len(t, f.convos.usage, 1)
}

func TestChatFailureRecordsErrorUsage(t *testing.T) {
	f := newFixture(t)
	f.adapter.result = agent.Fail("model overloaded")

	out := f.svc.Chat(f.ctx, ChatInput{Message: "hi"})
	f.runner.Wait()

	assert.False(t, out.Success)
	require.Len(t, f.convos.usage, 1)
	assert.True(t, f.convos.usage[0].IsError)
	require.Equal(t, 1, f.auditor.count())
	assert.False(t, f.auditor.last().IsSuccessful)
}

func TestChatPanicGetsChatFallback(t *testing.T) {
	f := newFixture(t)
	f.adapter.panicWith = struct{ weird string }{"value"}

	out := f.svc.Chat(f.ctx, ChatInput{Message: "hi"})
	f.runner.Wait()

	assert.False(t, out.Success)
	assert.Equal(t, "Failed to process chat message", out.Error)
}

func TestChatStream(t *testing.T) {
	f := newFixture(t)
	f.adapter.result = agent.Succeed("a b c", 3)

	ch, out, err := f.svc.ChatStream(f.ctx, ChatInput{Message: "hi"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"a", "a b", "a b c"}, collect(ch))
	f.runner.Wait()
}

func TestChatStreamFailure(t *testing.T) {
	f := newFixture(t)
	f.adapter.result = agent.Fail("nope")

	_, out, err := f.svc.ChatStream(f.ctx, ChatInput{Message: "hi"})
	require.Error(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "nope", err.Error())
}
