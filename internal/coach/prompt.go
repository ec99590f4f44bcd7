package coach

import (
	"strings"

	"github.com/yegors/co-coach/internal/ai"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/realtime"
	"github.com/yegors/co-coach/internal/storage"
)

// BuildChatMessages prepends the system prompt to the last limit messages of history.
func BuildChatMessages(systemPrompt string, history []*storage.Message, limit int) []ai.ChatMessage {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	messages := make([]ai.ChatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, ai.ChatMessage{Role: ai.RoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		role := ai.RoleUser
		if m.Role == storage.RoleAssistant {
			role = ai.RoleAssistant
		}
		messages = append(messages, ai.ChatMessage{Role: role, Content: m.Content})
	}
	return messages
}

// FormatTranscript renders messages one per line as "Client:" / "Coach:".
func FormatTranscript(messages []*storage.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == storage.RoleAssistant {
			b.WriteString("Coach: ")
		} else {
			b.WriteString("Client: ")
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// RealtimeProviderConfig is what the token broker asks the provider for.
func RealtimeProviderConfig(cfg *config.Config) ai.RealtimeSessionConfig {
	r := cfg.Realtime
	instructions := r.Instructions
	if instructions == "" {
		instructions = cfg.Coach.SystemPrompt
	}
	return ai.RealtimeSessionConfig{
		Model:              r.Model,
		Voice:              r.Voice,
		Instructions:       instructions,
		Modalities:         r.Modalities,
		InputAudioFormat:   r.InputAudioFormat,
		OutputAudioFormat:  r.OutputAudioFormat,
		TranscriptionModel: r.TranscriptionModel,
		TurnDetection:      r.TurnDetectionType,
		VADThreshold:       r.VADThreshold,
		PrefixPaddingMs:    r.PrefixPaddingMs,
		SilenceDurationMs:  r.SilenceDurationMs,
	}
}

// VoiceSessionConfig is the session.update sent when the event channel opens.
func VoiceSessionConfig(cfg *config.Config) realtime.SessionConfig {
	r := cfg.Realtime
	session := realtime.SessionConfig{
		Modalities:        r.Modalities,
		Instructions:      r.Instructions,
		Voice:             r.Voice,
		InputAudioFormat:  r.InputAudioFormat,
		OutputAudioFormat: r.OutputAudioFormat,
	}
	if session.Instructions == "" {
		session.Instructions = cfg.Coach.SystemPrompt
	}
	if r.TranscriptionModel != "" {
		session.InputAudioTranscription = &realtime.TranscriptionSettings{Model: r.TranscriptionModel}
	}
	if r.NoiseReduction != "" && r.NoiseReduction != "none" {
		session.InputNoiseReduction = &realtime.NoiseReductionSettings{Type: r.NoiseReduction}
	}
	if r.TurnDetectionType != "" && r.TurnDetectionType != "none" {
		session.TurnDetection = &realtime.TurnDetection{
			Type:              r.TurnDetectionType,
			Threshold:         r.VADThreshold,
			PrefixPaddingMs:   r.PrefixPaddingMs,
			SilenceDurationMs: r.SilenceDurationMs,
		}
	}
	return session
}
