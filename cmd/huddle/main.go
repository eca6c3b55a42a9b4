package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/awray/huddle/internal/backoff"
	"github.com/awray/huddle/internal/config"
	"github.com/awray/huddle/internal/conn"
	"github.com/awray/huddle/internal/crdt"
	"github.com/awray/huddle/internal/events"
	"github.com/awray/huddle/internal/logging"
	"github.com/awray/huddle/internal/merge"
	"github.com/awray/huddle/internal/queue"
	"github.com/awray/huddle/internal/store"
	"github.com/awray/huddle/internal/syncer"
	"github.com/awray/huddle/internal/wire"
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

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("huddle starting",
		slog.String("version", Version),
		slog.String("workspace", cfg.WorkspaceID),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.LoadAt(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("loading store: %w", err)
	}
	defer st.Close()

	if err := st.InitWorkspace(cfg.WorkspaceID); err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}

	router := events.NewRouter()

	manager := conn.NewManager(conn.Config{
		URL:     cfg.ServerURL,
		Token:   cfg.Token,
		Device:  cfg.DeviceName,
		Backoff: backoff.New(),
		Router:  router,
	}, logger)

	engine := merge.NewEngine(cfg.WorkspaceID, st, router, crdt.NewClock(), logger)

	subs, err := cfg.LoadSubscriptions()
	if err != nil {
		return fmt.Errorf("loading subscriptions: %w", err)
	}

	// The stream map is built once during wiring and read-only after,
	// so the inbound handlers can index it without locking.
	syncers := make(map[string]*syncer.Synchronizer, len(subs))
	for _, sub := range subs {
		s := syncer.New(cfg.UserID, sub.Input(), st, engine, manager, logger)
		syncers[s.ID()] = s
		logger.Info("subscribed",
			slog.String("kind", sub.Kind),
			slog.String("root", sub.Root),
			slog.String("stream", s.ID()),
		)
	}

	txSender := queue.NewTransactionSender(cfg.WorkspaceID, st, manager, logger)
	interactions := queue.NewInteractionSender(cfg.WorkspaceID, st, manager, router, logger)

	manager.RegisterHandler(wire.TypeSyncResponse, func(ctx context.Context, data []byte) {
		var resp wire.SyncResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.Warn("decoding sync response", slog.String("error", err.Error()))
			return
		}

		s, ok := syncers[resp.StreamID]
		if !ok {
			logger.Debug("sync response for unknown stream", slog.String("stream", resp.StreamID))
			return
		}

		s.HandleBatch(ctx, resp)
	})

	manager.RegisterHandler(wire.TypeSyncAck, txSender.HandleAck)

	manager.RegisterHandler(wire.TypeNodeChanged, func(_ context.Context, data []byte) {
		var hint wire.NodeChanged
		if err := json.Unmarshal(data, &hint); err != nil {
			logger.Warn("decoding node change hint", slog.String("error", err.Error()))
			return
		}

		router.Publish(events.ServerHint{NodeID: hint.NodeID, StreamID: hint.StreamID})

		if s, ok := syncers[hint.StreamID]; ok {
			s.Ping()
		}
	})

	unsubscribe := router.Subscribe(func(ev events.Event) {
		switch ev.(type) {
		case events.TransactionQueued:
			txSender.Notify()
		case events.ConnectionOpened:
			// Reconnect: flush anything queued while offline and nudge
			// every stream that parked itself waiting for the socket.
			txSender.Notify()
			interactions.Notify()
			for _, s := range syncers {
				s.Ping()
			}
		}
	})
	defer unsubscribe()

	for _, s := range syncers {
		if err := s.Init(); err != nil {
			return fmt.Errorf("initializing stream %s: %w", s.ID(), err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return txSender.Run(gctx) })
	g.Go(func() error { return interactions.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("huddle stopped")

	return nil
}
