package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/user/deskmate/internal/config"
	"github.com/user/deskmate/internal/connection"
	"github.com/user/deskmate/internal/session"
	"github.com/user/deskmate/internal/state"
	"github.com/user/deskmate/internal/types"
)

// openStore opens the configured thread store under the data dir.
func openStore(cfg *config.Config) (types.ThreadStore, func() error, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, closeFn, err := state.Open(cfg.Store.Backend, cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return store, closeFn, nil
}

// resolveThread picks the thread to continue: the explicit one, the one in
// config, or the most recently updated. A fresh thread is created when
// there is none or fresh is set, and remembered in config.
func resolveThread(ctx context.Context, store types.ThreadStore, cfg *config.Config, explicit string, fresh bool) (types.ThreadID, error) {
	if !fresh {
		if explicit != "" {
			return types.ThreadID(explicit), nil
		}
		if cfg.ThreadID != "" {
			if _, err := store.GetThread(ctx, types.ThreadID(cfg.ThreadID)); err == nil {
				return types.ThreadID(cfg.ThreadID), nil
			}
			slog.Warn("configured thread not found, picking another", "thread_id", cfg.ThreadID)
		}
		threads, err := store.ListThreads(ctx)
		if err != nil {
			return "", fmt.Errorf("list threads: %w", err)
		}
		if len(threads) > 0 {
			return threads[0].ID, nil
		}
	}

	th, err := store.CreateThread(ctx, "")
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if err := config.SetValue(cfgPath, "thread_id", string(th.ID)); err != nil {
		slog.Warn("remember thread failed", "thread_id", th.ID, "error", err)
	}
	return th.ID, nil
}

// newSession wires the websocket transport and the session for threadID.
func newSession(cfg *config.Config, store types.ThreadStore, threadID types.ThreadID) *session.Session {
	dialer := &connection.WebSocketDialer{URL: cfg.Server.URL, Token: cfg.Server.Token}
	conn := connection.NewManager(dialer, connection.Options{
		Backoff: &connection.Backoff{
			BaseDelay:   cfg.ReconnectBaseDelay(),
			Factor:      cfg.Reconnect.Factor,
			MaxDelay:    cfg.ReconnectMaxDelay(),
			Jitter:      cfg.Reconnect.Jitter,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		HeartbeatInterval: cfg.HeartbeatInterval(),
		DegradedLatency:   cfg.DegradedLatency(),
		DegradedErrors:    cfg.Heartbeat.DegradedErrors,
	})
	return session.New(conn, store, session.Config{
		ThreadID:         threadID,
		ReorderWindow:    cfg.Stream.ReorderWindow,
		ToolResultWindow: cfg.Stream.ToolResultWindow,
		AckTimeout:       cfg.AckTimeout(),
	})
}
