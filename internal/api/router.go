package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yegors/co-coach/internal/coach"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/websocket"
	"github.com/yegors/co-coach/pkg/logger"
)

// Router wires handlers, the websocket feed and static files
type Router struct {
	handler  *Handler
	wsServer *websocket.Server
	config   *config.Config
	logger   *logger.Logger
}

// NewRouter creates a new router
func NewRouter(coachService *coach.Service, config *config.Config, logger *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler:  NewHandler(coachService, config, logger),
		wsServer: wsServer,
		config:   config,
		logger:   logger.Named("router"),
	}
}

// Routes returns the HTTP handler for every endpoint
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(rt.cors)

	r.Get("/health", rt.handler.GetHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", rt.handler.GetConfig)
		r.Post("/realtime/token", rt.handler.MintRealtimeToken)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", rt.handler.ListSessions)
			r.Post("/", rt.handler.CreateSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", rt.handler.GetSession)
				r.Post("/end", rt.handler.EndSession)
				r.Get("/messages", rt.handler.ListMessages)
				r.Post("/messages", rt.handler.AppendMessage)
				r.Post("/chat", rt.handler.Chat)
				r.Post("/summary", rt.handler.Summarize)
			})
		})
	})

	if rt.wsServer != nil {
		r.Get("/ws", rt.wsServer.HandleConnection)
	}

	if dir := rt.config.Server.StaticFilesDir; dir != "" {
		r.NotFound(NewStaticFileHandler(dir, rt.logger).ServeHTTP)
	}

	return r
}

func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (rt *Router) cors(next http.Handler) http.Handler {
	allowed := rt.config.Server.CORSAllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(allowed, "*") || slices.Contains(allowed, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{
				http.MethodGet, http.MethodPost, http.MethodOptions,
			}, ", "))
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
