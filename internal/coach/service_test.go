package coach

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/co-coach/internal/ai"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/storage"
	"github.com/yegors/co-coach/internal/storage/sqlite"
	"github.com/yegors/co-coach/internal/websocket"
	"github.com/yegors/co-coach/pkg/logger"
)

type fakeChat struct {
	mu       sync.Mutex
	reply    string
	err      error
	messages []ai.ChatMessage
	config   ai.ChatConfig
}

func (c *fakeChat) ChatCompletion(_ context.Context, messages []ai.ChatMessage, cfg ai.ChatConfig) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = messages
	c.config = cfg
	return c.reply, c.err
}

type fakeRealtime struct {
	cfg ai.RealtimeSessionConfig
	err error
}

func (r *fakeRealtime) CreateRealtimeSession(_ context.Context, cfg ai.RealtimeSessionConfig) (*ai.RealtimeSession, error) {
	r.cfg = cfg
	if r.err != nil {
		return nil, r.err
	}
	return &ai.RealtimeSession{ClientSecret: "ek_1", Voice: cfg.Voice, Model: cfg.Model}, nil
}

type fakeHub struct {
	mu       sync.Mutex
	messages []*websocket.Message
}

func (h *fakeHub) Broadcast(m *websocket.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

func (h *fakeHub) Types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, m := range h.messages {
		out = append(out, m.Type)
	}
	return out
}

type fixture struct {
	svc      *Service
	store    storage.Store
	openai   *fakeChat
	gemini   *fakeChat
	realtime *fakeRealtime
	hub      *fakeHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "coach.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Coach.HistoryLimit = 2

	f := &fixture{
		store:    store,
		openai:   &fakeChat{reply: "Try a short walk."},
		gemini:   &fakeChat{reply: "  Client felt stressed.  "},
		realtime: &fakeRealtime{},
		hub:      &fakeHub{},
	}
	f.svc, err = NewService(Options{
		Store:         store,
		Realtime:      f.realtime,
		ChatProviders: map[string]ai.ChatProvider{"openai": f.openai, "Gemini": f.gemini},
		Hub:           f.hub,
		Config:        cfg,
	}, logger.NewNop())
	require.NoError(t, err)
	return f
}

func TestMintToken(t *testing.T) {
	f := newFixture(t)

	session, err := f.svc.MintToken(context.Background(), "sage")
	require.NoError(t, err)
	assert.Equal(t, "ek_1", session.ClientSecret)
	assert.Equal(t, "sage", f.realtime.cfg.Voice)
	assert.Equal(t, config.DefaultRealtimeModel, f.realtime.cfg.Model)
	assert.NotEmpty(t, f.realtime.cfg.Instructions)

	f.realtime.err = errors.New("401")
	_, err = f.svc.MintToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestConversationLifecycleBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.StartConversation(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "local", session.UserID)

	_, err = f.svc.PostMessage(ctx, session.ID, storage.RoleUser, " hello ")
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, session.ID, "system", "nope")
	assert.ErrorIs(t, err, storage.ErrInvalidRole)

	ended, err := f.svc.EndConversation(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, ended.Open())

	assert.Equal(t, []string{
		websocket.MessageTypeSessionStarted,
		websocket.MessageTypeMessageCreated,
		websocket.MessageTypeSessionEnded,
	}, f.hub.Types())
	assert.Equal(t, session.ID, f.hub.messages[1].SessionID())
	assert.Equal(t, "hello", f.hub.messages[1].Data["content"])

	msgs, err := f.svc.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestChatRecordsBothSidesWithLimitedHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.StartConversation(ctx, "alice")
	require.NoError(t, err)
	for _, c := range []string{"one", "two", "three"} {
		_, err := f.svc.PostMessage(ctx, session.ID, storage.RoleUser, c)
		require.NoError(t, err)
	}

	reply, err := f.svc.Chat(ctx, session.ID, "I can't sleep", "")
	require.NoError(t, err)
	assert.Equal(t, "I can't sleep", reply.User.Content)
	assert.Equal(t, storage.RoleAssistant, reply.Assistant.Role)
	assert.Equal(t, "Try a short walk.", reply.Assistant.Content)

	// system + two history messages + the new turn
	require.Len(t, f.openai.messages, 4)
	assert.Equal(t, ai.RoleSystem, f.openai.messages[0].Role)
	assert.Equal(t, "two", f.openai.messages[1].Content)
	assert.Equal(t, "I can't sleep", f.openai.messages[3].Content)
	assert.Equal(t, "gpt-4o-mini", f.openai.config.Model)

	msgs, err := f.svc.Messages(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}

func TestChatErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, "00000000-0000-0000-0000-000000000000", "hi", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	session, err := f.svc.StartConversation(ctx, "alice")
	require.NoError(t, err)

	_, err = f.svc.Chat(ctx, session.ID, "   ", "")
	assert.ErrorIs(t, err, storage.ErrEmptyContent)

	_, err = f.svc.Chat(ctx, session.ID, "hi", "claude")
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	f.openai.err = errors.New("rate limited")
	_, err = f.svc.Chat(ctx, session.ID, "hi", "openai")
	assert.ErrorIs(t, err, ErrUpstream)

	_, err = f.svc.EndConversation(ctx, session.ID)
	require.NoError(t, err)
	_, err = f.svc.Chat(ctx, session.ID, "hi", "")
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.StartConversation(ctx, "alice")
	require.NoError(t, err)

	_, err = f.svc.Summarize(ctx, session.ID, "gemini")
	assert.ErrorIs(t, err, ErrEmptyTranscript)

	_, err = f.svc.PostMessage(ctx, session.ID, storage.RoleUser, "Work is stressful")
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, session.ID, storage.RoleAssistant, "Let's breathe together")
	require.NoError(t, err)

	summarized, err := f.svc.Summarize(ctx, session.ID, "gemini")
	require.NoError(t, err)
	assert.Equal(t, "Client felt stressed.", summarized.Summary)
	assert.Equal(t, "gemini-2.5-flash", f.gemini.config.Model)
	assert.Equal(t, "Client: Work is stressful\nCoach: Let's breathe together\n", f.gemini.messages[1].Content)
	assert.Contains(t, f.hub.Types(), websocket.MessageTypeSessionSummarized)

	stored, err := f.svc.GetConversation(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Client felt stressed.", stored.Summary)
}

func TestSummarizeAsyncAndShutdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.StartConversation(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, session.ID, storage.RoleUser, "hello")
	require.NoError(t, err)

	f.svc.SummarizeAsync(session.ID)
	require.NoError(t, f.svc.Shutdown(ctx))

	stored, err := f.svc.GetConversation(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Try a short walk.", stored.Summary)
}

func TestSinkBroadcastsAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.StartConversation(ctx, "bob")
	require.NoError(t, err)

	sink := f.svc.Sink("bob")
	id, err := sink.MostRecentOpenSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ID, id)

	require.NoError(t, sink.AppendMessage(ctx, id, storage.RoleAssistant, "Welcome back"))
	assert.Equal(t, websocket.MessageTypeMessageCreated, f.hub.Types()[1])
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.StartConversation(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleMessage(nil, "append_message", map[string]any{
		"session_id": session.ID,
		"role":       "user",
		"content":    "typed in the browser",
	}))
	assert.Error(t, f.svc.HandleMessage(nil, "mystery", nil))

	msgs, err := f.svc.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "typed in the browser", msgs[0].Content)
}

func TestVoiceSessionConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	session := VoiceSessionConfig(cfg)
	assert.Equal(t, cfg.Coach.SystemPrompt, session.Instructions)
	require.NotNil(t, session.InputAudioTranscription)
	assert.Equal(t, "whisper-1", session.InputAudioTranscription.Model)
	require.NotNil(t, session.InputNoiseReduction)
	assert.Equal(t, "near_field", session.InputNoiseReduction.Type)
	require.NotNil(t, session.TurnDetection)
	assert.Equal(t, 500, session.TurnDetection.SilenceDurationMs)

	cfg.Realtime.NoiseReduction = "none"
	cfg.Realtime.TurnDetectionType = "none"
	session = VoiceSessionConfig(cfg)
	assert.Nil(t, session.InputNoiseReduction)
	assert.Nil(t, session.TurnDetection)
}
