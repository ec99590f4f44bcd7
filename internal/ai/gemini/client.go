package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/yegors/co-coach/internal/ai"
	"github.com/yegors/co-coach/pkg/logger"
	"google.golang.org/genai"
)

// DefaultModel is used when ChatConfig.Model is empty.
const DefaultModel = "gemini-2.5-flash"

// Client is a ChatProvider backed by the Gemini API.
type Client struct {
	genai  *genai.Client
	logger *logger.Logger
}

// NewClient creates a new Gemini client. baseURL is optional and mostly useful for proxies.
func NewClient(ctx context.Context, apiKey, baseURL string, log *logger.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Client{
		genai:  client,
		logger: log.Named("gemini"),
	}, nil
}

// ChatCompletion sends the conversation to Gemini. System messages become the system instruction.
func (c *Client) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, config ai.ChatConfig) (string, error) {
	model := config.Model
	if model == "" {
		model = DefaultModel
	}

	system, contents := toContents(messages)
	if len(contents) == 0 {
		return "", fmt.Errorf("no user or assistant messages to send")
	}

	genCfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if config.Temperature != 0 {
		genCfg.Temperature = genai.Ptr(float32(config.Temperature))
	}
	if config.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(config.MaxTokens)
	}

	resp, err := c.genai.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		c.logger.Error("Gemini request failed", logger.String("model", model), logger.Error(err))
		return "", fmt.Errorf("gemini chat failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("no content in gemini response")
	}

	c.logger.Debug("Gemini response received",
		logger.String("model", model),
		logger.Int("length", len(text)))

	return text, nil
}

// toContents maps chat messages onto Gemini roles. Multiple system messages are joined.
func toContents(messages []ai.ChatMessage) (*genai.Content, []*genai.Content) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case ai.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case ai.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	if len(systemParts) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(systemParts, "\n\n"), genai.RoleUser), contents
}
