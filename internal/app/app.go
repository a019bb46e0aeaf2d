package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"crm-mail-ingest-go/internal/config"
	"crm-mail-ingest-go/internal/database"
	"crm-mail-ingest-go/internal/dedup"
	"crm-mail-ingest-go/internal/directory"
	"crm-mail-ingest-go/internal/handlers"
	"crm-mail-ingest-go/internal/ingest"
	"crm-mail-ingest-go/internal/mailbox"
	"crm-mail-ingest-go/internal/metrics"
	"crm-mail-ingest-go/internal/repository"
	"crm-mail-ingest-go/internal/server"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting CRM Mail Ingest Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	}

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	store := repository.New(db)
	m := metrics.NewMetrics()
	cache := directory.NewCache(store)
	guard := dedup.NewGuard(cfg.Dedup.MaxEntries)

	var factory mailbox.Factory
	switch cfg.Mailbox.Provider {
	case "gmail":
		factory = func() mailbox.Transport {
			return mailbox.NewGmailTransport(cfg.Mailbox, cfg.Gmail)
		}
		logrus.Info("Using the Gmail API mailbox provider")
	default:
		factory = func() mailbox.Transport {
			return mailbox.NewIMAPTransport(cfg.Mailbox)
		}
		logrus.Info("Using the IMAP mailbox provider")
	}

	pipeline := ingest.NewPipeline(store, cache, guard, m, cfg.Ingest.FallbackEmail)
	listener := ingest.NewListener(factory, pipeline, m, cfg.Mailbox.ReconnectDelay, cfg.Mailbox.MaxReconnects)
	service := ingest.NewService(listener, cache, guard, m, cfg.Directory.RefreshMinutes)

	h := handlers.NewHandlers(db, service)
	router := server.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Mailbox.Autostart {
		if _, err := service.Start(); err != nil {
			return fmt.Errorf("failed to start ingestion worker: %w", err)
		}
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down...")

	service.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}

	logrus.Info("Shutdown complete")
	return nil
}
