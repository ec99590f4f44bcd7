package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/co-coach/internal/ai"
	"github.com/yegors/co-coach/internal/coach"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/storage"
	"github.com/yegors/co-coach/internal/storage/sqlite"
	"github.com/yegors/co-coach/pkg/logger"
)

type stubChat struct {
	reply string
	err   error
}

func (c stubChat) ChatCompletion(context.Context, []ai.ChatMessage, ai.ChatConfig) (string, error) {
	return c.reply, c.err
}

type stubRealtime struct {
	err error
}

func (r stubRealtime) CreateRealtimeSession(_ context.Context, cfg ai.RealtimeSessionConfig) (*ai.RealtimeSession, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &ai.RealtimeSession{
		ClientSecret: "ek_test",
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		ExpiresAt:    time.Now().Add(time.Minute),
	}, nil
}

func newTestServer(t *testing.T, realtimeErr error) *httptest.Server {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "coach.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.CORSAllowedOrigins = []string{"http://localhost:5173"}

	svc, err := coach.NewService(coach.Options{
		Store:    store,
		Realtime: stubRealtime{err: realtimeErr},
		ChatProviders: map[string]ai.ChatProvider{
			"openai": stubChat{reply: "Breathe in for four counts."},
			"gemini": stubChat{err: errors.New("quota exceeded")},
		},
		Config: cfg,
	}, logger.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(svc, cfg, logger.NewNop(), nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := do(t, srv, http.MethodPost, "/api/sessions/", `{"user_id":"alice"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string)
}

func TestMintRealtimeToken(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/api/realtime/token", `{"voice":"verse"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ek_test", body["token"])
	assert.Equal(t, "verse", body["voice"])

	resp, body = do(t, srv, http.MethodPost, "/api/realtime/token", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, config.DefaultVoice, body["voice"])

	resp, _ = do(t, srv, http.MethodPost, "/api/realtime/token", `{"voice":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMintRealtimeTokenUpstreamFailure(t *testing.T) {
	srv := newTestServer(t, errors.New("401 Unauthorized"))

	resp, body := do(t, srv, http.MethodPost, "/api/realtime/token", `{}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "upstream")
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	id := createSession(t, srv)

	resp, body := do(t, srv, http.MethodGet, "/api/sessions/"+id+"/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["user_id"])

	resp, _ = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/messages", `{"role":"user","content":"I feel anxious"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/messages", `{"role":"narrator","content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/api/sessions/"+id+"/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = do(t, srv, http.MethodGet, "/api/sessions/?user_id=alice&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, _ = do(t, srv, http.MethodGet, "/api/sessions/?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/end", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["ended_at"])

	resp, _ = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/chat", `{"content":"hello"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	missing := "/api/sessions/00000000-0000-0000-0000-000000000000"

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, missing + "/", ""},
		{http.MethodGet, missing + "/messages", ""},
		{http.MethodPost, missing + "/messages", `{"role":"user","content":"hi"}`},
		{http.MethodPost, missing + "/end", ""},
		{http.MethodPost, missing + "/summary", ""},
	} {
		resp, _ := do(t, srv, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.method+" "+tc.path)
	}
}

func TestChatAndSummary(t *testing.T) {
	srv := newTestServer(t, nil)
	id := createSession(t, srv)

	resp, _ := do(t, srv, http.MethodPost, "/api/sessions/"+id+"/summary", `{"provider":"openai"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty transcript")

	resp, body := do(t, srv, http.MethodPost, "/api/sessions/"+id+"/chat", `{"content":"I can't focus"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assistant := body["assistant"].(map[string]any)
	assert.Equal(t, storage.RoleAssistant, assistant["role"])
	assert.Equal(t, "Breathe in for four counts.", assistant["content"])

	resp, _ = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/chat", `{"content":"hi","provider":"gemini"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/summary?provider=mistral", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/api/sessions/"+id+"/summary", `{"provider":"openai"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Breathe in for four counts.", body["summary"])
}

func TestConfigAndHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, srv, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rt := body["realtime"].(map[string]any)
	assert.Equal(t, config.DefaultRealtimeModel, rt["model"])
	session := rt["session"].(map[string]any)
	assert.Equal(t, "server_vad", session["turn_detection"].(map[string]any)["type"])
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/realtime/token", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
