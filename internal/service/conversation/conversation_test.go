package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/storage"
)

// fakeStore is an in-memory Store for unit tests.
type fakeStore struct {
	conversations map[uuid.UUID]model.Conversation
	messages      map[uuid.UUID][]model.Message
	usage         map[string]model.UsageStat

	countErr  error
	titleErr  error
	upsertErr error
	titleSets int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[uuid.UUID]model.Conversation),
		messages:      make(map[uuid.UUID][]model.Message),
		usage:         make(map[string]model.UsageStat),
	}
}

func (f *fakeStore) CreateConversation(_ context.Context, c model.Conversation) (model.Conversation, error) {
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	f.conversations[c.ID] = c
	return c, nil
}

func (f *fakeStore) GetConversation(_ context.Context, userID, id uuid.UUID) (model.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return model.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListConversations(_ context.Context, userID uuid.UUID, _ storage.ListFilter) ([]model.ConversationSummary, int, error) {
	var out []model.ConversationSummary
	for _, c := range f.conversations {
		if c.UserID == userID {
			out = append(out, model.ConversationSummary{ID: c.ID, Title: c.Title, ContextType: c.ContextType})
		}
	}
	return out, len(out), nil
}

func (f *fakeStore) UpdateConversationTitle(_ context.Context, userID, id uuid.UUID, title string) error {
	if f.titleErr != nil {
		return f.titleErr
	}
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return storage.ErrNotFound
	}
	c.Title = &title
	f.conversations[id] = c
	f.titleSets++
	return nil
}

func (f *fakeStore) SetConversationArchived(_ context.Context, userID, id uuid.UUID, archived bool) error {
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return storage.ErrNotFound
	}
	c.IsArchived = archived
	f.conversations[id] = c
	return nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, userID, id uuid.UUID) error {
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return storage.ErrNotFound
	}
	delete(f.conversations, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) TouchConversation(_ context.Context, id uuid.UUID) error { return nil }

func (f *fakeStore) InsertMessages(_ context.Context, msgs []model.Message) error {
	for _, m := range msgs {
		f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
	}
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	return f.messages[conversationID], nil
}

func (f *fakeStore) RecentMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	msgs := f.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeStore) CountMessages(_ context.Context, conversationID uuid.UUID) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.messages[conversationID]), nil
}

func (f *fakeStore) UpsertUsage(_ context.Context, userID uuid.UUID, day time.Time, d model.UsageDelta) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	key := userID.String() + day.Format("2006-01-02") + d.ModelID
	s := f.usage[key]
	s.RequestCount++
	s.TotalTokens += d.TokensUsed
	s.TotalLatencyMs += d.LatencyMs
	if d.IsError {
		s.ErrorCount++
	}
	f.usage[key] = s
	return nil
}

func (f *fakeStore) ListUsage(_ context.Context, userID uuid.UUID, from, to time.Time) ([]model.UsageStat, error) {
	return nil, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService() (*Service, *fakeStore, context.Context, auth.Identity) {
	store := newFakeStore()
	svc := New(store, auth.ContextResolver{}, discard())
	identity := auth.Identity{ID: uuid.New(), Role: model.RoleTeacher}
	ctx := auth.WithIdentity(context.Background(), identity)
	return svc, store, ctx, identity
}

func seedConversation(t *testing.T, svc *Service, ctx context.Context) model.Conversation {
	t.Helper()
	c, err := svc.Create(ctx, CreateParams{ModelID: "llama3.2"})
	require.NoError(t, err)
	return c
}

func TestCreateDefaultsContextType(t *testing.T) {
	svc, _, ctx, id := testService()

	c, err := svc.Create(ctx, CreateParams{ModelID: "llama3.2"})
	require.NoError(t, err)
	assert.Equal(t, model.ContextGeneral, c.ContextType)
	assert.Equal(t, id.ID, c.UserID)
}

func TestOperationsRequireIdentity(t *testing.T) {
	svc, _, _, _ := testService()
	anon := context.Background()

	_, err := svc.Create(anon, CreateParams{ModelID: "m"})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, _, err = svc.List(anon, ListParams{})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = svc.Get(anon, uuid.New())
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	err = svc.SaveMessages(anon, SaveMessagesParams{ConversationID: uuid.New()})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestGetReturnsMessagesInOrder(t *testing.T) {
	svc, _, ctx, _ := testService()
	c := seedConversation(t, svc, ctx)

	require.NoError(t, svc.SaveMessages(ctx, SaveMessagesParams{
		ConversationID:   c.ID,
		UserMessage:      "hello",
		AssistantMessage: "hi there",
		ModelID:          "llama3.2",
	}))

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, model.MessageRoleUser, got.Messages[0].Role)
	assert.Equal(t, model.MessageRoleAssistant, got.Messages[1].Role)
	require.NotNil(t, got.Messages[1].ModelID)
	assert.Equal(t, "llama3.2", *got.Messages[1].ModelID)
}

func TestSaveMessagesRejectsForeignConversation(t *testing.T) {
	svc, _, ctx, _ := testService()
	c := seedConversation(t, svc, ctx)

	otherCtx := auth.WithIdentity(context.Background(), auth.Identity{ID: uuid.New(), Role: model.RoleTeacher})
	err := svc.SaveMessages(otherCtx, SaveMessagesParams{
		ConversationID:   c.ID,
		UserMessage:      "u",
		AssistantMessage: "a",
		ModelID:          "m",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAutoTitleFirstExchange(t *testing.T) {
	svc, store, ctx, _ := testService()
	c := seedConversation(t, svc, ctx)

	long := strings.Repeat("A", 70)
	require.NoError(t, svc.SaveMessages(ctx, SaveMessagesParams{
		ConversationID:   c.ID,
		UserMessage:      long,
		AssistantMessage: "reply",
		ModelID:          "llama3.2",
	}))

	got := store.conversations[c.ID]
	require.NotNil(t, got.Title)
	assert.Len(t, *got.Title, 60)
	assert.Equal(t, strings.Repeat("A", 57)+"...", *got.Title)
}

func TestAutoTitleShortMessageVerbatim(t *testing.T) {
	svc, store, ctx, _ := testService()
	c := seedConversation(t, svc, ctx)

	require.NoError(t, svc.SaveMessages(ctx, SaveMessagesParams{
		ConversationID:   c.ID,
		UserMessage:      "How do barre chords work?",
		AssistantMessage: "reply",
		ModelID:          "llama3.2",
	}))

	got := store.conversations[c.ID]
	require.NotNil(t, got.Title)
	assert.Equal(t, "How do barre chords work?", *got.Title)
}

func TestAutoTitleSkipsLaterExchanges(t *testing.T) {
	svc, store, ctx, _ := testService()
	c := seedConversation(t, svc, ctx)

	for i := 0; i < 2; i++ {
		require.NoError(t, svc.SaveMessages(ctx, SaveMessagesParams{
			ConversationID:   c.ID,
			UserMessage:      "earlier",
			AssistantMessage: "reply",
			ModelID:          "llama3.2",
		}))
	}
	sets := store.titleSets

	require.NoError(t, svc.SaveMessages(ctx, SaveMessagesParams{
		ConversationID:   c.ID,
		UserMessage:      "this must not become the title",
		AssistantMessage: "reply",
		ModelID:          "llama3.2",
	}))

	assert.Equal(t, sets, store.titleSets)
}

func TestSaveMessagesSurvivesTitleFailure(t *testing.T) {
	svc, store, ctx, _ := testService()
	c := seedConversation(t, svc, ctx)
	store.countErr = errors.New("count broke")

	err := svc.SaveMessages(ctx, SaveMessagesParams{
		ConversationID:   c.ID,
		UserMessage:      "u",
		AssistantMessage: "a",
		ModelID:          "m",
	})

	require.NoError(t, err)
	assert.Len(t, store.messages[c.ID], 2)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "short", DeriveTitle("short"))
	assert.Equal(t, strings.Repeat("x", 60), DeriveTitle(strings.Repeat("x", 60)))
	assert.Equal(t, strings.Repeat("x", 57)+"...", DeriveTitle(strings.Repeat("x", 61)))
}

func TestTrackUsageAccumulates(t *testing.T) {
	svc, store, ctx, id := testService()

	svc.TrackUsage(ctx, model.UsageDelta{ModelID: "llama3.2", TokensUsed: 100, LatencyMs: 50})
	svc.TrackUsage(ctx, model.UsageDelta{ModelID: "llama3.2", TokensUsed: 40, LatencyMs: 30, IsError: true})

	key := id.ID.String() + time.Now().UTC().Format("2006-01-02") + "llama3.2"
	stat := store.usage[key]
	assert.Equal(t, 2, stat.RequestCount)
	assert.Equal(t, 140, stat.TotalTokens)
	assert.Equal(t, 1, stat.ErrorCount)
}

func TestTrackUsageNeverFails(t *testing.T) {
	svc, store, ctx, _ := testService()
	store.upsertErr = errors.New("db down")

	// Must not panic, must not surface the error.
	svc.TrackUsage(ctx, model.UsageDelta{ModelID: "llama3.2", TokensUsed: 10})

	// Unauthenticated is also swallowed.
	svc.TrackUsage(context.Background(), model.UsageDelta{ModelID: "llama3.2"})
}

func TestArchiveAndDelete(t *testing.T) {
	svc, _, ctx, _ := testService()
	c := seedConversation(t, svc, ctx)

	require.NoError(t, svc.Archive(ctx, c.ID, true))
	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived)

	require.NoError(t, svc.Delete(ctx, c.ID))
	_, err = svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
