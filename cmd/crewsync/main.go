package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fieldcrew/crewsync/internal/config"
	"github.com/fieldcrew/crewsync/internal/engine"
	"github.com/fieldcrew/crewsync/internal/logging"
	"github.com/fieldcrew/crewsync/internal/realtime"
	"github.com/fieldcrew/crewsync/internal/remote"
	"github.com/fieldcrew/crewsync/internal/store"
	"golang.org/x/sync/errgroup"
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

	if err := cfg.ValidateClient(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("crewsync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("store", cfg.StorePath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.LoadAt(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("loading record store: %w", err)
	}
	defer st.Close()

	rt := realtime.NewClient(cfg.RealtimeURL, cfg.Principal, cfg.DeviceName, logger)
	if err := rt.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to realtime store: %w", err)
	}
	defer rt.Close()

	docs := remote.NewClient(cfg.RemoteURL, cfg.Principal, nil)

	monitor := engine.NewMonitor(rt)
	eng := engine.New(st, docs, monitor, logger)
	defer eng.Shutdown()

	unsubStatus := eng.Subscribe(func(online bool, pendingOps int) {
		logger.Debug("status",
			slog.Bool("online", online),
			slog.Int("pending_ops", pendingOps),
		)
	})
	defer unsubStatus()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.Listen(gctx)
	})

	g.Go(func() error {
		runTriggers(gctx, eng, rt, cfg.FullResync, logger)
		return nil
	})

	return g.Wait()
}

// runTriggers drives the sync cycle at the daemon's trigger points: one
// cycle at startup, and a fresh non-blocking cycle on every offline-to-
// online transition (the daemon's analogue of the app regaining
// foreground after connectivity returns).
func runTriggers(ctx context.Context, eng *engine.Engine, rt *realtime.Client, forceFull bool, logger *slog.Logger) {
	var mu sync.Mutex
	last := rt.Connected()

	unsub := rt.SubscribeConn(func(online bool) {
		mu.Lock()
		was := last
		last = online
		mu.Unlock()

		if !online || was {
			return
		}

		go func() {
			logResult(logger, "reconnect sync", eng.Synchronize(ctx, false))
		}()
	})
	defer unsub()

	logResult(logger, "startup sync", eng.Synchronize(ctx, forceFull))

	<-ctx.Done()
}

func logResult(logger *slog.Logger, trigger string, res engine.SyncResult) {
	if res.Success {
		logger.Info(trigger+" complete",
			slog.Int("synced_records", res.SyncedRecords),
			slog.Bool("skipped", res.Skipped),
		)

		return
	}

	logger.Warn(trigger+" failed", slog.String("error", res.Err.Error()))
}
