package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/entrepeneur4lyf/notechat/internal/api"
	"github.com/entrepeneur4lyf/notechat/internal/notes"
	"github.com/entrepeneur4lyf/notechat/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAddr    string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat API server",
	Long: `Start the HTTP API with REST, SSE and WebSocket chat endpoints.

The notes directory is indexed on start and watched for changes, idle
sessions are swept from memory, and telemetry is exported when enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTelemetry, err := setupTelemetry(ctx)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				log.Warn("Failed to flush telemetry", "error", err)
			}
		}()

		return withApplication(ctx, runServer)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default server.host:server.port)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Index once on start without watching for changes")
}

func runServer(ctx context.Context, a *application) error {
	addr := serveAddr
	if addr == "" {
		addr = cfg.Address()
	}
	server := api.NewServer(a.chat,
		api.WithEventBus(a.bus),
		api.WithIndex(a.index),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	)

	loader, err := a.newLoader()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Stop(stopCtx)
	})
	g.Go(func() error {
		a.sessions.RunSweeper(gctx, cfg.Session.SweepInterval)
		return nil
	})
	g.Go(func() error {
		if _, err := loader.Index(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			log.Error("Initial indexing failed", "error", err)
		}
		if serveNoWatch {
			return nil
		}
		watcher, err := notes.NewWatcher(loader)
		if err != nil {
			return err
		}
		return watcher.Run(gctx)
	})

	log.Info("notechat ready", "addr", addr, "notes", loader.Root(), "chat", a.chat.Available())
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Info("Shut down cleanly")
	return nil
}

// setupTelemetry starts the exporters when telemetry.enabled is set
func setupTelemetry(ctx context.Context) (telemetry.Shutdown, error) {
	dir := cfg.Telemetry.Directory
	if cfg.Telemetry.Enabled && dir == "" {
		var err error
		if dir, err = paths.TelemetryDir(); err != nil {
			return nil, err
		}
	}
	return telemetry.Setup(ctx, telemetry.Options{
		Enabled:   cfg.Telemetry.Enabled,
		Directory: dir,
	})
}
