package ai

import (
	"context"
	"time"
)

// RealtimeSession is a minted realtime session. ClientSecret is the
// short-lived bearer credential handed to the voice client.
type RealtimeSession struct {
	ProviderID   string
	ClientSecret string
	Model        string
	Voice        string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// RealtimeSessionConfig holds configuration for realtime sessions
type RealtimeSessionConfig struct {
	Model              string
	Voice              string
	Instructions       string
	Modalities         []string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	TurnDetection      string // "server_vad" or "none"
	VADThreshold       float64
	PrefixPaddingMs    int
	SilenceDurationMs  int
}

// RealtimeProvider mints credentials for realtime voice sessions
type RealtimeProvider interface {
	CreateRealtimeSession(ctx context.Context, config RealtimeSessionConfig) (*RealtimeSession, error)
}

// Chat roles understood by every ChatProvider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a message in a chat conversation
type ChatMessage struct {
	Role    string
	Content string
}

// ChatConfig holds configuration for chat completions
type ChatConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ChatProvider defines the interface for text-to-text chat completions (used for coaching chat and summaries)
type ChatProvider interface {
	ChatCompletion(ctx context.Context, messages []ChatMessage, config ChatConfig) (string, error)
}
