package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yegors/co-coach/internal/coach"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/realtime"
	"github.com/yegors/co-coach/internal/storage"
	"github.com/yegors/co-coach/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Handler contains the API handlers
type Handler struct {
	coachService *coach.Service
	config       *config.Config
	logger       *logger.Logger
	startedAt    time.Time
}

// NewHandler creates a new API handler
func NewHandler(coachService *coach.Service, config *config.Config, logger *logger.Logger) *Handler {
	return &Handler{
		coachService: coachService,
		config:       config,
		logger:       logger.Named("api-handler"),
		startedAt:    time.Now(),
	}
}

type tokenResponse struct {
	realtime.TokenResponse
	Model     string    `json:"model,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
}

type summaryRequest struct {
	Provider string `json:"provider"`
}

// MintRealtimeToken issues a short-lived credential for a voice client
func (h *Handler) MintRealtimeToken(w http.ResponseWriter, r *http.Request) {
	var req realtime.TokenRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	session, err := h.coachService.MintToken(r.Context(), req.Voice)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, tokenResponse{
		TokenResponse: realtime.TokenResponse{Token: session.ClientSecret},
		Model:         session.Model,
		Voice:         session.Voice,
		ExpiresAt:     session.ExpiresAt,
	})
}

// ListSessions returns sessions newest first, optionally for one user
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := h.coachService.Sessions(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.Session{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

// CreateSession starts a new conversation
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	session, err := h.coachService.StartConversation(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, session)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.coachService.GetConversation(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, session)
}

// EndSession marks a conversation ended; ?summarize=true also summarizes it in the background
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.coachService.EndConversation(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if summarize, _ := strconv.ParseBool(r.URL.Query().Get("summarize")); summarize {
		h.coachService.SummarizeAsync(sessionID)
	}
	WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.coachService.GetConversation(r.Context(), sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.coachService.Messages(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []*storage.Message{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"messages": messages, "count": len(messages)})
}

// AppendMessage records a finalized utterance from a browser voice client
func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.coachService.PostMessage(r.Context(), chi.URLParam(r, "sessionID"), req.Role, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, msg)
}

// Chat sends a typed message to the coach and returns both sides of the turn
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}

	reply, err := h.coachService.Chat(r.Context(), chi.URLParam(r, "sessionID"), req.Content, req.Provider)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, reply)
}

// Summarize summarizes a session transcript with the requested provider
func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if req.Provider == "" {
		req.Provider = r.URL.Query().Get("provider")
	}

	session, err := h.coachService.Summarize(r.Context(), chi.URLParam(r, "sessionID"), req.Provider)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, session)
}

// GetConfig returns the settings a browser voice client needs
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"realtime": map[string]any{
			"model":       h.config.Realtime.Model,
			"voice":       h.config.Realtime.Voice,
			"ice_servers": h.config.Realtime.ICEServers,
			"session":     coach.VoiceSessionConfig(h.config),
		},
		"audio": map[string]any{
			"sample_rate":       h.config.Audio.SampleRate,
			"frames_per_buffer": h.config.Audio.FramesPerBuffer,
		},
		"summary_provider": h.config.Summary.Provider,
	})
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// decode reads a required JSON body
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// decodeOptional accepts an empty body
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps service errors onto status codes
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Error(err))
	} else {
		h.logger.Debug("Request rejected",
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Error(err))
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidRole),
		errors.Is(err, storage.ErrEmptyContent),
		errors.Is(err, coach.ErrEmptyTranscript):
		return http.StatusBadRequest
	case errors.Is(err, coach.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, coach.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, coach.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
