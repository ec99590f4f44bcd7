package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/yegors/co-coach/internal/ai"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/storage"
	"github.com/yegors/co-coach/internal/websocket"
	"github.com/yegors/co-coach/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

var (
	// ErrSessionEnded is returned when chatting in a session that was ended.
	ErrSessionEnded = errors.New("session has ended")
	// ErrEmptyTranscript is returned when summarizing a session with no messages.
	ErrEmptyTranscript = errors.New("session has no messages to summarize")
	// ErrProviderUnavailable is returned when a requested AI provider is not configured.
	ErrProviderUnavailable = errors.New("provider not configured")
	// ErrUpstream wraps failures of the AI providers.
	ErrUpstream = errors.New("upstream provider error")
)

// Broadcaster pushes events to live clients
type Broadcaster interface {
	Broadcast(message *websocket.Message)
}

// Options holds the collaborators of a Service. Realtime, ChatProviders and Hub are optional.
type Options struct {
	Store         storage.Store
	Realtime      ai.RealtimeProvider
	ChatProviders map[string]ai.ChatProvider // keyed by "openai" / "gemini"
	Hub           Broadcaster
	Config        *config.Config
}

// ChatReply is the pair of messages written by one chat turn
type ChatReply struct {
	User      *storage.Message `json:"user"`
	Assistant *storage.Message `json:"assistant"`
}

// Service manages coaching conversations: credentials, the durable log,
// text chat and summaries.
type Service struct {
	store    storage.Store
	realtime ai.RealtimeProvider
	chat     map[string]ai.ChatProvider
	hub      Broadcaster
	config   *config.Config
	logger   *logger.Logger

	// Background summaries started by EndConversation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new coach service
func NewService(opts Options, log *logger.Logger) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}

	chat := make(map[string]ai.ChatProvider, len(opts.ChatProviders))
	for name, p := range opts.ChatProviders {
		if p != nil {
			chat[strings.ToLower(name)] = p
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    opts.Store,
		realtime: opts.Realtime,
		chat:     chat,
		hub:      opts.Hub,
		config:   opts.Config,
		logger:   log.Named("coach-service"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// MintToken creates a short-lived realtime credential for voice.
func (s *Service) MintToken(ctx context.Context, voice string) (*ai.RealtimeSession, error) {
	if s.realtime == nil {
		return nil, fmt.Errorf("realtime: %w", ErrProviderUnavailable)
	}

	cfg := RealtimeProviderConfig(s.config)
	if voice != "" {
		cfg.Voice = voice
	}

	session, err := s.realtime.CreateRealtimeSession(ctx, cfg)
	if err != nil {
		s.logger.Error("Failed to mint realtime token", Error(err), String("voice", cfg.Voice))
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	s.logger.Info("Minted realtime token",
		String("voice", session.Voice),
		String("model", session.Model),
		String("provider_session_id", session.ProviderID))
	return session, nil
}

// StartConversation opens a new durable session for userID.
func (s *Service) StartConversation(ctx context.Context, userID string) (*storage.Session, error) {
	if userID == "" {
		userID = s.config.Coach.DefaultUserID
	}
	session, err := s.store.CreateSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("Conversation started", String("session_id", session.ID), String("user_id", userID))
	s.publish(websocket.MessageTypeSessionStarted, session.ID, session)
	return session, nil
}

// EndConversation marks a session ended. Ending twice is not an error.
func (s *Service) EndConversation(ctx context.Context, id string) (*storage.Session, error) {
	session, err := s.store.EndSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Conversation ended", String("session_id", id))
	s.publish(websocket.MessageTypeSessionEnded, id, session)
	return session, nil
}

func (s *Service) GetConversation(ctx context.Context, id string) (*storage.Session, error) {
	return s.store.GetSession(ctx, id)
}

// Sessions lists sessions newest first.
func (s *Service) Sessions(ctx context.Context, userID string, limit int) ([]*storage.Session, error) {
	return s.store.ListSessions(ctx, userID, limit)
}

// Messages returns a session's transcript in insertion order.
func (s *Service) Messages(ctx context.Context, id string) ([]*storage.Message, error) {
	return s.store.ListMessages(ctx, id)
}

// PostMessage appends a finalized utterance, e.g. from a browser voice client.
func (s *Service) PostMessage(ctx context.Context, id, role, content string) (*storage.Message, error) {
	content = strings.TrimSpace(content)
	if err := storage.ValidateMessage(role, content); err != nil {
		return nil, err
	}
	msg, err := s.store.AppendMessage(ctx, id, role, content)
	if err != nil {
		return nil, err
	}
	s.publish(websocket.MessageTypeMessageCreated, id, msg)
	return msg, nil
}

// Sink returns a MessageSink for in-process voice sessions. Writes are
// broadcast like PostMessage.
func (s *Service) Sink(userID string) *storage.MessageSink {
	return &storage.MessageSink{
		Store:  s.store,
		UserID: userID,
		OnAppend: func(msg *storage.Message) {
			s.publish(websocket.MessageTypeMessageCreated, msg.SessionID, msg)
		},
	}
}

// Chat sends a typed turn to the chat provider with recent history and
// records both sides.
func (s *Service) Chat(ctx context.Context, id, content, provider string) (*ChatReply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, storage.ErrEmptyContent
	}

	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Open() {
		return nil, ErrSessionEnded
	}

	name, chat, err := s.chatProvider(provider)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	userMsg, err := s.PostMessage(ctx, id, storage.RoleUser, content)
	if err != nil {
		return nil, err
	}

	messages := BuildChatMessages(s.config.Coach.SystemPrompt, history, s.config.Coach.HistoryLimit)
	messages = append(messages, ai.ChatMessage{Role: ai.RoleUser, Content: content})

	reply, err := chat.ChatCompletion(ctx, messages, s.chatConfig(name, s.config.OpenAI.ChatModel))
	if err != nil {
		s.logger.Error("Chat completion failed", Error(err), String("session_id", id), String("provider", name))
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	assistantMsg, err := s.PostMessage(ctx, id, storage.RoleAssistant, reply)
	if err != nil {
		return nil, err
	}

	return &ChatReply{User: userMsg, Assistant: assistantMsg}, nil
}

// Summarize produces and stores a summary of the session transcript.
func (s *Service) Summarize(ctx context.Context, id, provider string) (*storage.Session, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrEmptyTranscript
	}

	if provider == "" {
		provider = s.config.Summary.Provider
	}
	name, chat, err := s.chatProvider(provider)
	if err != nil {
		return nil, err
	}

	prompt := []ai.ChatMessage{
		{Role: ai.RoleSystem, Content: s.config.Summary.SystemPrompt},
		{Role: ai.RoleUser, Content: FormatTranscript(messages)},
	}
	summary, err := chat.ChatCompletion(ctx, prompt, s.chatConfig(name, s.config.Summary.Model))
	if err != nil {
		s.logger.Error("Summary failed", Error(err), String("session_id", id), String("provider", name))
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	summary = strings.TrimSpace(summary)

	if err := s.store.SetSummary(ctx, id, summary); err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Conversation summarized",
		String("session_id", id),
		String("provider", name),
		Int("messages", len(messages)))
	s.publish(websocket.MessageTypeSessionSummarized, id, session)
	return session, nil
}

// SummarizeAsync runs Summarize in the background; Shutdown waits for it.
func (s *Service) SummarizeAsync(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Summarize(s.ctx, id, ""); err != nil && !errors.Is(err, ErrEmptyTranscript) {
			s.logger.Warn("Background summary failed", String("session_id", id), Error(err))
		}
	}()
}

// HandleMessage implements websocket.MessageHandler for messages posted over the socket.
func (s *Service) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	switch messageType {
	case "append_message":
		id, _ := data["session_id"].(string)
		role, _ := data["role"].(string)
		content, _ := data["content"].(string)
		if id == "" {
			id = client.SessionID()
		}
		_, err := s.PostMessage(s.ctx, id, role, content)
		return err
	default:
		return fmt.Errorf("unsupported message type: %s", messageType)
	}
}

func (s *Service) chatProvider(name string) (string, ai.ChatProvider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "openai"
	}
	p, ok := s.chat[name]
	if !ok {
		return name, nil, fmt.Errorf("%s: %w", name, ErrProviderUnavailable)
	}
	return name, p, nil
}

func (s *Service) chatConfig(provider, model string) ai.ChatConfig {
	if model == "" {
		switch provider {
		case "gemini":
			model = s.config.Gemini.Model
		default:
			model = s.config.OpenAI.ChatModel
		}
	}
	return ai.ChatConfig{
		Model:       model,
		Temperature: s.config.Coach.Temperature,
		MaxTokens:   s.config.Coach.MaxTokens,
	}
}

func (s *Service) publish(messageType, sessionID string, payload any) {
	if s.hub == nil {
		return
	}
	msg, err := websocket.NewMessage(messageType, payload)
	if err != nil {
		s.logger.Warn("Failed to build websocket message", String("type", messageType), Error(err))
		return
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	msg.Data["session_id"] = sessionID
	s.hub.Broadcast(msg)
}

// Shutdown waits for background summaries or ctx, whichever comes first
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
