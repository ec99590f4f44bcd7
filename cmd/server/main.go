package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yegors/co-coach/internal/api"
	"github.com/yegors/co-coach/internal/coach"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/websocket"
	"github.com/yegors/co-coach/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting coach server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)
	for _, warning := range cfg.ValidateAPIKeys() {
		log.Warn(warning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := coach.OpenStore(ctx, cfg.Storage, log)
	if err != nil {
		log.Error("Failed to open storage", logger.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	providers, err := coach.NewProviders(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create AI providers", logger.Error(err))
		os.Exit(1)
	}

	// Create WebSocket server
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	coachService, err := coach.NewService(coach.Options{
		Store:         store,
		Realtime:      providers.Realtime(),
		ChatProviders: providers.Chat(),
		Hub:           wsServer,
		Config:        cfg,
	}, log)
	if err != nil {
		log.Error("Failed to create coach service", logger.Error(err))
		os.Exit(1)
	}
	wsServer.SetMessageHandler(coachService)

	router := api.NewRouter(coachService, cfg, log, wsServer)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", logger.String("addr", server.Addr), logger.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal or a fatal server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	log.Info("Stopping coach service...")
	if err := coachService.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down coach service", logger.Error(err))
	}

	wsServer.Stop()
	cancel()

	log.Info("Server fully stopped")
}
