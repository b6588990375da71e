package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/data-engine/pipeline-runner/internal/config"
	"github.com/data-engine/pipeline-runner/internal/server"
	"github.com/data-engine/pipeline-runner/pkg/logging"
)

func newServeCommand() *cobra.Command {
	var addr string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker's health, readiness and metrics HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevelFromString(logLevel)
			return serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

// serve runs the operational HTTP surface for a long-lived worker process.
// Readiness degrades to unhealthy when the configured environment is
// missing the internal API credentials a run would need.
func serve(parent context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(func() error {
		if _, err := config.Load(); err != nil {
			return fmt.Errorf("not ready: %w", err)
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("pipeline-runner serve listening on %s", addr)
		errCh <- srv.ListenAndServe(addr)
	}()

	select {
	case <-ctx.Done():
		logging.Infof("shutting down pipeline-runner http surface")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
