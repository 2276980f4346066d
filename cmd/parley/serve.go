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

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/config"
	"github.com/aretw0/parley/internal/presentation/tui"
	httpAdapter "github.com/aretw0/parley/pkg/adapters/http"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts Parley in server mode: session control endpoints, the widget
script, rendered widget elements, the notification bus, per-session event
streams and Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		if term.IsTerminal(int(os.Stderr.Fd())) {
			tui.PrintBanner(os.Stderr)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		streams := httpAdapter.NewStreamManager(logger)
		hub, err := newHub(ctx, cfg, logger, parley.WithLifecycleHooks(streams.Hooks()))
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := hub.Close(closeCtx); err != nil {
				logger.Error("Failed to close hub", "err", err)
			}
		}()

		if prefetch, _ := cmd.Flags().GetBool("prefetch"); prefetch {
			// Warm the script cache; a failure is reported again on first activation.
			if err := hub.Loader.EnsureLoaded(ctx); err != nil {
				logger.Warn("Widget script prefetch failed", "err", err)
			}
		}

		handler := httpAdapter.NewServer(hub.Sessions,
			httpAdapter.WithScript(hub.Loader),
			httpAdapter.WithElements(hub.Widgets),
			httpAdapter.WithPublisher(hub.Bus),
			httpAdapter.WithStreams(streams),
			httpAdapter.WithMetrics(hub.Metrics.Handler()),
			httpAdapter.WithLogger(logger),
		).Handler()

		srv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("Starting Parley server", "addr", srv.Addr, "sessions", len(hub.Sessions.List()))
			serverErrors <- srv.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case <-ctx.Done():
			logger.Info("Start shutdown")

			// Give outstanding requests a deadline for completion.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Graceful shutdown did not complete", "timeout", shutdownTimeout, "err", err)
				if err := srv.Close(); err != nil {
					logger.Error("Error killing server", "err", err)
				}
			}
			logger.Info("Parley server stopped gracefully")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (PARLEY_ADDR)")
	serveCmd.Flags().Bool("prefetch", false, "Load the widget script before accepting requests")
}

// newHub wires a Hub and registers the configured avatars.
func newHub(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...parley.Option) (*parley.Hub, error) {
	avatars, err := cfg.LoadAvatars(ctx)
	if err != nil {
		return nil, err
	}
	if len(avatars) == 0 {
		logger.Warn("No avatars configured; set PARLEY_AVATARS_FILE or PARLEY_AVATARS_DIR")
	}

	hub, err := parley.New(ctx, cfg, append([]parley.Option{parley.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := hub.Register(ctx, avatars); err != nil {
		_ = hub.Close(context.Background())
		return nil, err
	}
	return hub, nil
}
