package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/yegors/co-coach/internal/coach"
	"github.com/yegors/co-coach/internal/config"
	"github.com/yegors/co-coach/internal/storage"
	"github.com/yegors/co-coach/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"

	configPath string
	logLevel   string
	userID     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "User id for sessions (defaults to coach.default_user_id)")

	rootCmd.AddCommand(talkCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(summarizeCmd)
}

var rootCmd = &cobra.Command{
	Use:           "coach",
	Short:         "Talk to a wellness coach over a realtime voice session",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	store     storage.Store
	providers *coach.Providers
	service   *coach.Service
	userID    string
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFallback(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	for _, warning := range cfg.ValidateAPIKeys() {
		log.Warn(warning)
	}

	store, err := coach.OpenStore(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	providers, err := coach.NewProviders(ctx, cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	service, err := coach.NewService(coach.Options{
		Store:         store,
		Realtime:      providers.Realtime(),
		ChatProviders: providers.Chat(),
		Config:        cfg,
	}, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	id := userID
	if id == "" {
		id = cfg.Coach.DefaultUserID
	}

	return &app{cfg: cfg, log: log, store: store, providers: providers, service: service, userID: id}, nil
}

func (a *app) Close() {
	if err := a.service.Shutdown(context.Background()); err != nil {
		a.log.Warn("Coach service shutdown", logger.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close store", logger.Error(err))
	}
	a.log.Sync()
}
