package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/yegors/co-coach/internal/ai"
	"github.com/yegors/co-coach/pkg/logger"
)

// DefaultBaseURL is used when neither the caller nor OPENAI_API_BASE sets one.
const DefaultBaseURL = "https://api.openai.com"

// Client handles communication with OpenAI's APIs. Chat goes through the
// go-openai SDK; realtime session minting is a plain REST call the SDK does
// not cover.
type Client struct {
	apiKey     string
	httpClient *http.Client
	chat       *goopenai.Client
	logger     *logger.Logger
	baseURL    string // Stored without trailing slash

	realtimeSessionPath string
}

// NewClient creates a new OpenAI client
func NewClient(apiKey string, log *logger.Logger, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	base := ResolveBaseURL(baseURL)

	chatConfig := goopenai.DefaultConfig(apiKey)
	chatConfig.BaseURL = base + "/v1"
	chatConfig.HTTPClient = httpClient

	return &Client{
		apiKey:              apiKey,
		httpClient:          httpClient,
		chat:                goopenai.NewClientWithConfig(chatConfig),
		logger:              log.Named("openai"),
		baseURL:             base,
		realtimeSessionPath: "/v1/realtime/sessions",
	}
}

// ResolveBaseURL prefers the explicit value, then OPENAI_API_BASE, then the public API.
func ResolveBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		if env := os.Getenv("OPENAI_API_BASE"); env != "" {
			base = env
		} else {
			base = DefaultBaseURL
		}
	}
	return strings.TrimRight(base, "/")
}

// -- RealtimeProvider Implementation --

// CreateRealtimeSession mints an ephemeral realtime credential
func (c *Client) CreateRealtimeSession(ctx context.Context, config ai.RealtimeSessionConfig) (*ai.RealtimeSession, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	reqBody := map[string]any{
		"model": config.Model,
		"voice": config.Voice,
	}
	if config.Instructions != "" {
		reqBody["instructions"] = config.Instructions
	}
	if len(config.Modalities) > 0 {
		reqBody["modalities"] = config.Modalities
	}
	if config.InputAudioFormat != "" {
		reqBody["input_audio_format"] = config.InputAudioFormat
	}
	if config.OutputAudioFormat != "" {
		reqBody["output_audio_format"] = config.OutputAudioFormat
	}
	if config.TranscriptionModel != "" {
		reqBody["input_audio_transcription"] = map[string]string{"model": config.TranscriptionModel}
	}
	if config.TurnDetection != "" && config.TurnDetection != "none" {
		reqBody["turn_detection"] = map[string]any{
			"type":                config.TurnDetection,
			"threshold":           config.VADThreshold,
			"prefix_padding_ms":   config.PrefixPaddingMs,
			"silence_duration_ms": config.SilenceDurationMs,
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.realtimeSessionPath, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("Realtime session request rejected",
			logger.Int("status_code", resp.StatusCode),
			logger.String("body", string(body)))
		return nil, fmt.Errorf("failed to create realtime session: %s", resp.Status)
	}

	var result struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Voice string `json:"voice"`
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode realtime session: %w", err)
	}
	if result.ClientSecret.Value == "" {
		return nil, fmt.Errorf("realtime session response carried no client secret")
	}

	session := &ai.RealtimeSession{
		ProviderID:   result.ID,
		ClientSecret: result.ClientSecret.Value,
		Model:        firstNonEmpty(result.Model, config.Model),
		Voice:        firstNonEmpty(result.Voice, config.Voice),
		CreatedAt:    time.Now().UTC(),
	}
	if result.ClientSecret.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(result.ClientSecret.ExpiresAt, 0).UTC()
	}

	c.logger.Debug("Minted realtime session",
		logger.String("provider_id", session.ProviderID),
		logger.String("voice", session.Voice))

	return session, nil
}

// -- ChatProvider Implementation --

func (c *Client) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, config ai.ChatConfig) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("OpenAI API key is required")
	}

	reqMessages := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		reqMessages[i] = goopenai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}

	resp, err := c.chat.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       config.Model,
		Messages:    reqMessages,
		MaxTokens:   config.MaxTokens,
		Temperature: float32(config.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	c.logger.Debug("Chat completion",
		logger.String("model", resp.Model),
		logger.Int("total_tokens", resp.Usage.TotalTokens))

	return resp.Choices[0].Message.Content, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
