// Package main runs the Wikidot forum notifier: a scheduler that
// archives forum activity into a local cache, computes per-user digests
// and delivers them by email or private message.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"wikidot-notifier/config"
	"wikidot-notifier/email"
	"wikidot-notifier/pkg/notifier"
	"wikidot-notifier/queries"
	"wikidot-notifier/scraper"
	"wikidot-notifier/server"
	"wikidot-notifier/storage"
	"wikidot-notifier/tasks"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"config_wiki", cfg.ConfigWiki,
		"database_path", cfg.DatabasePath,
		"email_provider", cfg.Email.Provider)

	// Query text ships embedded; an on-disk directory takes priority so
	// queries can be edited live and re-read via /queries/invalidate.
	var queryCache *queries.Cache
	if cfg.QueriesDir != "" {
		queryCache = queries.New(os.DirFS(cfg.QueriesDir), logger)
		logger.Info("serving queries from disk", "dir", cfg.QueriesDir)
	} else {
		queryCache = queries.Builtin(logger)
	}

	titleMode, err := notifier.ParseTitleMatchMode(cfg.TitleMatchMode)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DatabasePath, queryCache, storage.Options{TitleMatchMode: titleMode})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("failed to close database", "error", closeErr)
		}
	}()
	if err := store.CreateTables(ctx); err != nil {
		return err
	}

	wikidot := scraper.New(scraper.Config{
		Username:           cfg.WikidotUsername,
		SessionToken:       cfg.WikidotSessionToken,
		ConfigWiki:         cfg.ConfigWiki,
		UserConfigCategory: cfg.UserConfigCategory,
		WikiConfigCategory: cfg.WikiConfigCategory,
		OverridesURL:       cfg.OverridesURL,
	}, &http.Client{Timeout: 60 * time.Second}, logger)

	provider, err := emailProvider(cfg, logger)
	if err != nil {
		return err
	}

	deliverer := tasks.Router{
		Email:  tasks.EmailDeliverer{Sender: email.New(provider, logger)},
		PM:     tasks.PMDeliverer{Messenger: wikidot},
		Logger: logger,
	}

	task := tasks.New(store, wikidot, deliverer, logger)
	scheduler, err := tasks.NewScheduler(task, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	ops := server.New(task, queryCache, logger)
	httpServer := ops.HTTPServer(cfg.Port)
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		return fmt.Errorf("ops server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", "error", err)
	}

	// Wait for any in-flight channel firing to finish.
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("gave up waiting for running channel")
	}

	logger.Info("shutdown complete")
	return nil
}

func emailProvider(cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Email.Provider {
	case "gmail":
		// Built lazily: credentials are only touched once a firing
		// actually has email to send.
		return email.NewGmailProvider(initGmailService, logger), nil
	case "brevo":
		if cfg.Email.BrevoAPIKey == "" {
			return nil, errors.New("brevo provider requires brevo_api_key")
		}
		return email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.BrevoFromAddr, cfg.Email.BrevoFromName, logger), nil
	default:
		logger.Warn("using mock email provider, no email will be sent")
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Fall back to Application Default Credentials. The account needs
	// the gmail.send scope.
	return gmail.NewService(ctx)
}
