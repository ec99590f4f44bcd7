package coach

import (
	"context"
	"fmt"
	"time"

	"github.com/yegors/co-coach/internal/ai"
	"github.com/yegors/co-coach/internal/ai/gemini"
	"github.com/yegors/co-coach/internal/ai/openai"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/storage"
	"github.com/yegors/co-coach/internal/storage/postgres"
	"github.com/yegors/co-coach/internal/storage/sqlite"
	"github.com/yegors/co-coach/pkg/logger"
)

// OpenStore opens and migrates the configured conversation store.
func OpenStore(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "sqlite", "":
		store, err := sqlite.Open(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("Using SQLite storage", String("path", cfg.SQLitePath))
		return store, nil
	case "postgres":
		store, err := postgres.Open(ctx, cfg.PostgresURL, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info("Using Postgres storage")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Type)
	}
}

// Providers are the AI clients built from configuration. Nil fields are unconfigured.
type Providers struct {
	OpenAI *openai.Client
	Gemini *gemini.Client
}

// NewProviders builds every provider that has credentials.
func NewProviders(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Providers, error) {
	p := &Providers{}
	if cfg.OpenAI.APIKey != "" {
		p.OpenAI = openai.NewClient(cfg.OpenAI.APIKey, log, cfg.OpenAI.BaseURL,
			time.Duration(cfg.OpenAI.TimeoutSeconds)*time.Second)
	}
	if cfg.Gemini.APIKey != "" {
		client, err := gemini.NewClient(ctx, cfg.Gemini.APIKey, "", log)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		p.Gemini = client
	}
	return p, nil
}

// Realtime returns the credential provider, or nil without an OpenAI key.
func (p *Providers) Realtime() ai.RealtimeProvider {
	if p.OpenAI == nil {
		return nil
	}
	return p.OpenAI
}

// Chat returns the configured chat providers keyed by name.
func (p *Providers) Chat() map[string]ai.ChatProvider {
	chat := make(map[string]ai.ChatProvider, 2)
	if p.OpenAI != nil {
		chat["openai"] = p.OpenAI
	}
	if p.Gemini != nil {
		chat["gemini"] = p.Gemini
	}
	return chat
}
