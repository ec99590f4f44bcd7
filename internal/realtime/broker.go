package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yegors/co-coach/internal/ai"
)

// TokenBroker issues a short-lived credential for one realtime session.
type TokenBroker interface {
	Token(ctx context.Context, voice string) (string, error)
}

// TokenRequest and TokenResponse are the wire format of the token endpoint.
type TokenRequest struct {
	Voice string `json:"voice"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// ErrTokenUnavailable is the generic broker failure surfaced to callers.
var ErrTokenUnavailable = errors.New("realtime token unavailable")

// HTTPTokenBroker fetches credentials from a coach server.
type HTTPTokenBroker struct {
	URL    string // full endpoint, e.g. http://127.0.0.1:8080/api/realtime/token
	Client *http.Client
}

func (b *HTTPTokenBroker) Token(ctx context.Context, voice string) (string, error) {
	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	body, err := json.Marshal(TokenRequest{Voice: voice})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: %s", ErrTokenUnavailable, resp.Status)
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenUnavailable)
	}
	return out.Token, nil
}

// ProviderBroker mints credentials directly from a RealtimeProvider.
type ProviderBroker struct {
	Provider ai.RealtimeProvider
	Config   ai.RealtimeSessionConfig
}

func (b *ProviderBroker) Token(ctx context.Context, voice string) (string, error) {
	cfg := b.Config
	if voice != "" {
		cfg.Voice = voice
	}
	session, err := b.Provider.CreateRealtimeSession(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	return session.ClientSecret, nil
}
