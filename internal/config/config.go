package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server   ServerConfig   `toml:"server"`   // HTTP server settings
	Logging  LoggingConfig  `toml:"logging"`  // Application logging settings
	Storage  StorageConfig  `toml:"storage"`  // Conversation log persistence
	OpenAI   OpenAIConfig   `toml:"openai"`   // OpenAI credentials and endpoints
	Gemini   GeminiConfig   `toml:"gemini"`   // Gemini credentials for summaries
	Realtime RealtimeConfig `toml:"realtime"` // Realtime voice session settings
	Audio    AudioConfig    `toml:"audio"`    // Local capture and playback settings
	Summary  SummaryConfig  `toml:"summary"`  // Transcript summarization settings
	Coach    CoachConfig    `toml:"coach"`    // Coaching persona and chat settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for CORS requests (["*"] for all)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
	StaticFilesDir     string   `toml:"static_files_dir"`      // Directory holding the single-page frontend (optional)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type        string `toml:"type"`         // "sqlite" or "postgres"
	SQLitePath  string `toml:"sqlite_path"`  // SQLite database file
	PostgresURL string `toml:"postgres_url"` // Postgres connection string
}

// OpenAIConfig contains OpenAI API settings shared by the token broker and chat
type OpenAIConfig struct {
	APIKey         string `toml:"api_key"`         // Falls back to OPENAI_API_KEY
	BaseURL        string `toml:"base_url"`        // Falls back to OPENAI_API_BASE, then https://api.openai.com
	ChatModel      string `toml:"chat_model"`      // Model for text chat and OpenAI summaries
	TimeoutSeconds int    `toml:"timeout_seconds"` // HTTP timeout for API calls
}

// GeminiConfig contains Google Gemini settings
type GeminiConfig struct {
	APIKey string `toml:"api_key"` // Falls back to GEMINI_API_KEY
	Model  string `toml:"model"`   // e.g. "gemini-2.5-flash"
}

// RealtimeConfig contains settings for realtime voice sessions
type RealtimeConfig struct {
	Model              string   `toml:"model"`                     // Realtime model identifier sent as the model query parameter
	Voice              string   `toml:"voice"`                     // Default assistant voice
	Instructions       string   `toml:"instructions"`              // Session instructions declared in session.update
	Modalities         []string `toml:"modalities"`                // e.g. ["audio", "text"]
	InputAudioFormat   string   `toml:"input_audio_format"`        // e.g. "pcm16"
	OutputAudioFormat  string   `toml:"output_audio_format"`       // e.g. "pcm16"
	TranscriptionModel string   `toml:"transcription_model"`       // Model used for input audio transcription
	NoiseReduction     string   `toml:"noise_reduction"`           // "near_field", "far_field" or "none"
	TurnDetectionType  string   `toml:"turn_detection_type"`       // "server_vad"
	VADThreshold       float64  `toml:"vad_threshold"`             // Voice activity threshold 0.0-1.0
	PrefixPaddingMs    int      `toml:"prefix_padding_ms"`         // Audio kept before detected speech
	SilenceDurationMs  int      `toml:"silence_duration_ms"`       // Trailing silence that ends a turn
	ICEServers         []string `toml:"ice_servers"`               // STUN/TURN URLs for the peer connection
	TokenBrokerURL     string   `toml:"token_broker_url"`          // When set, clients fetch credentials from this server
	NegotiateTimeout   int      `toml:"negotiate_timeout_seconds"` // Bound on the SDP round trip
}

// AudioConfig contains local device settings for the voice client
type AudioConfig struct {
	SampleRate      int    `toml:"sample_rate"`       // Capture rate in Hz
	Channels        int    `toml:"channels"`          // Capture channels
	FramesPerBuffer int    `toml:"frames_per_buffer"` // Samples per delivered frame
	Playback        bool   `toml:"playback"`          // Play assistant audio on the default output device
	RecordingsDir   string `toml:"recordings_dir"`    // When set, assistant audio is written to <dir>/<session>.ogg
}

// SummaryConfig selects the summarization provider
type SummaryConfig struct {
	Provider     string `toml:"provider"`      // "openai" or "gemini"
	Model        string `toml:"model"`         // Overrides the provider's default model
	SystemPrompt string `toml:"system_prompt"` // Prompt used to summarize a transcript
}

// CoachConfig contains persona settings for text chat
type CoachConfig struct {
	SystemPrompt  string  `toml:"system_prompt"`   // System prompt for text chat
	HistoryLimit  int     `toml:"history_limit"`   // Messages of history sent with each chat turn
	DefaultUserID string  `toml:"default_user_id"` // User id used by the CLI when none is given
	MaxTokens     int     `toml:"max_tokens"`
	Temperature   float64 `toml:"temperature"`
}

const (
	DefaultRealtimeModel = "gpt-4o-realtime-preview"
	DefaultVoice         = "alloy"
	DefaultSampleRate    = 24000
	DefaultFrames        = 480
)

// Frame lengths an Opus encoder accepts.
var opusFrameDurations = map[time.Duration]bool{
	2500 * time.Microsecond: true,
	5 * time.Millisecond:    true,
	10 * time.Millisecond:   true,
	20 * time.Millisecond:   true,
	40 * time.Millisecond:   true,
	60 * time.Millisecond:   true,
}

// FrameDuration is the audio carried by one captured frame.
func (a AudioConfig) FrameDuration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(a.FramesPerBuffer) * time.Second / time.Duration(a.SampleRate)
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.ApplyDefaults()
	config.applyEnv()

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// ApplyDefaults fills unset values. Safe to call more than once.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/coach.db"
	}
	if c.OpenAI.ChatModel == "" {
		c.OpenAI.ChatModel = "gpt-4o-mini"
	}
	if c.OpenAI.TimeoutSeconds == 0 {
		c.OpenAI.TimeoutSeconds = 30
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash"
	}

	r := &c.Realtime
	if r.Model == "" {
		r.Model = DefaultRealtimeModel
	}
	if r.Voice == "" {
		r.Voice = DefaultVoice
	}
	if len(r.Modalities) == 0 {
		r.Modalities = []string{"audio", "text"}
	}
	if r.InputAudioFormat == "" {
		r.InputAudioFormat = "pcm16"
	}
	if r.OutputAudioFormat == "" {
		r.OutputAudioFormat = "pcm16"
	}
	if r.TranscriptionModel == "" {
		r.TranscriptionModel = "whisper-1"
	}
	if r.NoiseReduction == "" {
		r.NoiseReduction = "near_field"
	}
	if r.TurnDetectionType == "" {
		r.TurnDetectionType = "server_vad"
	}
	if r.VADThreshold == 0 {
		r.VADThreshold = 0.5
	}
	if r.PrefixPaddingMs == 0 {
		r.PrefixPaddingMs = 300
	}
	if r.SilenceDurationMs == 0 {
		r.SilenceDurationMs = 500
	}
	if r.NegotiateTimeout == 0 {
		r.NegotiateTimeout = 20
	}

	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.FramesPerBuffer == 0 {
		c.Audio.FramesPerBuffer = DefaultFrames
	}

	if c.Summary.Provider == "" {
		c.Summary.Provider = "openai"
	}
	if c.Summary.SystemPrompt == "" {
		c.Summary.SystemPrompt = "Summarize this wellness coaching conversation in a few sentences. " +
			"Note the client's main concerns, their mood, and any commitments made."
	}
	if c.Coach.SystemPrompt == "" {
		c.Coach.SystemPrompt = "You are a warm, supportive wellness coach. Keep replies brief and encouraging."
	}
	if c.Coach.HistoryLimit == 0 {
		c.Coach.HistoryLimit = 20
	}
	if c.Coach.DefaultUserID == "" {
		c.Coach.DefaultUserID = "local"
	}
	if c.Coach.MaxTokens == 0 {
		c.Coach.MaxTokens = 400
	}
}

func (c *Config) applyEnv() {
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = os.Getenv("OPENAI_API_BASE")
	}
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Storage.Type)
	}

	if c.Realtime.VADThreshold < 0 || c.Realtime.VADThreshold > 1 {
		return fmt.Errorf("realtime.vad_threshold must be between 0 and 1: %f", c.Realtime.VADThreshold)
	}
	if c.Realtime.PrefixPaddingMs < 0 || c.Realtime.SilenceDurationMs < 0 {
		return fmt.Errorf("realtime padding and silence durations must not be negative")
	}

	if c.Audio.Channels != 1 {
		return fmt.Errorf("audio.channels must be 1 (mono capture): %d", c.Audio.Channels)
	}
	if c.Audio.FramesPerBuffer <= 0 {
		return fmt.Errorf("audio.frames_per_buffer must be positive: %d", c.Audio.FramesPerBuffer)
	}
	switch c.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("audio.sample_rate must be an Opus rate (8000, 12000, 16000, 24000 or 48000): %d", c.Audio.SampleRate)
	}
	if !opusFrameDurations[c.Audio.FrameDuration()] ||
		c.Audio.FramesPerBuffer*int(time.Second)%c.Audio.SampleRate != 0 {
		return fmt.Errorf("audio.frames_per_buffer must hold 2.5, 5, 10, 20, 40 or 60 ms of audio at %d Hz: %d",
			c.Audio.SampleRate, c.Audio.FramesPerBuffer)
	}

	switch strings.ToLower(c.Summary.Provider) {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unsupported summary provider: %q", c.Summary.Provider)
	}

	return nil
}

// ValidateAPIKeys warns about features that will be unavailable without credentials
func (c *Config) ValidateAPIKeys() []string {
	var warnings []string
	if c.OpenAI.APIKey == "" {
		warnings = append(warnings, "no OpenAI API key provided: token minting and chat are disabled")
	}
	if strings.EqualFold(c.Summary.Provider, "gemini") && c.Gemini.APIKey == "" {
		warnings = append(warnings, "summary provider is gemini but no Gemini API key provided: summaries are disabled")
	}
	return warnings
}
