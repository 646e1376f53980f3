package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldcrew/crewsync/internal/config"
	"github.com/fieldcrew/crewsync/internal/logging"
	"github.com/fieldcrew/crewsync/internal/server"
	"github.com/fieldcrew/crewsync/internal/server/pg"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("crewsyncd starting",
		slog.String("version", Version),
		slog.String("addr", cfg.ListenAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var docs server.DocStore
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pgStore.Close()
		docs = pgStore
	} else {
		logger.Warn("no postgres DSN configured, documents held in memory only")
		docs = server.NewMemDocs()
	}

	srv := server.New(docs, logger)

	// No WriteTimeout: /v1/realtime holds long-lived websockets.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down http server", slog.String("error", err.Error()))
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}

	logger.Info("crewsyncd stopped")

	return nil
}
