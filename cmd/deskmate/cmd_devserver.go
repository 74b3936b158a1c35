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

	"github.com/user/deskmate/internal/devserver"
)

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().String("listen", "127.0.0.1:8765", "listen address")
	devserverCmd.Flags().Duration("step-delay", 80*time.Millisecond, "pause between frames of a run")
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local scripted backend for development",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		listen, _ := cmd.Flags().GetString("listen")
		delay, _ := cmd.Flags().GetDuration("step-delay")

		srv := devserver.New(devserver.Options{Token: cfg.Server.Token, StepDelay: delay})
		httpServer := &http.Server{Addr: listen, Handler: srv.Handler()}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()

		slog.Info("devserver started", "listen", listen, "url", fmt.Sprintf("ws://%s/ws", listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
