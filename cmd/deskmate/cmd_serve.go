package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/deskmate/internal/api"
	"github.com/user/deskmate/internal/scheduler"
	"github.com/user/deskmate/internal/state"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("thread", "", "thread id to continue")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine headless with scheduled prompts and the control API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	threadFlag, _ := cmd.Flags().GetString("thread")
	threadID, err := resolveThread(ctx, store, cfg, threadFlag, false)
	if err != nil {
		return err
	}
	sess := newSession(cfg, store, threadID)

	prompts := state.NewPromptStore(cfg.PromptsPath())
	sched := scheduler.New(prompts, func(name, text string) error {
		_, err := sess.Send(text, nil)
		return err
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	slog.Info("deskmate started",
		"data_dir", cfg.DataDir,
		"server_url", cfg.Server.URL,
		"thread_id", threadID,
		"store", cfg.Store.Backend,
		"http", cfg.HTTP.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(gctx)
	})

	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: api.NewServer(sess, store, sched.Trigger),
		}
		g.Go(func() error {
			slog.Info("control API started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	slog.Info("shutting down")
	return err
}
