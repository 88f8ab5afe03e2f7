package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/server"
	"github.com/dgnsrekt/streamrelay/internal/ws"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resilient MCP proxy",
		Long: `Run the HTTP proxy in front of an MCP server.

Downstream clients connect to /mcp (event stream, POST, DELETE) or /ws
(websocket). Upstream event streams are resumed transparently after
connection loss and replayed events are suppressed.

Examples:
  # Proxy a local MCP server
  STREAMRELAY_UPSTREAM_URL=http://localhost:9000/mcp streamrelay serve

  # Listen on a different address with a config file
  streamrelay serve -c configs/streamrelay.yaml --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr != "" {
				cfg.Server.Addr = addr
			}

			c, err := buildComponents(ctx)
			if err != nil {
				return err
			}

			var hub *ws.Hub
			if cfg.Server.WSEnabled {
				hub = ws.NewHub(c.manager, logger)
				go hub.Run(ctx)
			}

			srv := server.NewServer(c.manager, c.client, c.store, c.metrics, hub, server.Options{
				SessionHeader:     cfg.Upstream.SessionHeader,
				KeepaliveInterval: cfg.Server.KeepaliveInterval,
				MaxFrameSize:      cfg.Stream.MaxFrameSize,
			}, logger)

			// No write timeout: downstream streams are long-lived.
			httpServer := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           server.NewRouter(srv, cfg.Server.CORSOrigins, logger),
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			}

			// Start server in goroutine
			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting server",
					zap.String("addr", httpServer.Addr),
					zap.Bool("wsEnabled", hub != nil),
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
				logger.Error("server error", zap.Error(serveErr))
			}

			logger.Info("shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			// Ending the sessions first lets the stream handlers return.
			c.close(shutdownCtx)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}

			logger.Info("server stopped")
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}
