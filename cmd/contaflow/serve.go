package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fjmoreno/contaflow/internal/api"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the review-channel HTTP server",
		Long: `Serve the session API: start workflow runs, inspect suspended
sessions, and post review feedback over HTTP. Stale suspended sessions
are expired in the background when sessions.max_age is set.`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "listen address (default :8080)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	server := &http.Server{
		Addr:              rt.settings.Server.Addr,
		Handler:           api.NewServer(rt.engine).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if maxAge := rt.settings.Sessions.MaxAge; maxAge > 0 {
		go expireLoop(ctx, rt, maxAge)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("review API listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.settings.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// expireLoop periodically cancels suspended sessions older than maxAge.
func expireLoop(ctx context.Context, rt *runtime, maxAge time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := rt.engine.ExpireStale(ctx, maxAge)
			if err != nil {
				slog.Warn("session expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				slog.Info("expired stale sessions", "count", expired, "max_age", maxAge)
			}
		}
	}
}
