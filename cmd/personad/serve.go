package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpapi "github.com/fyrsmithlabs/personad/internal/http"
	"github.com/fyrsmithlabs/personad/internal/mcp"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the personad HTTP API on the configured host and port.

The server runs until SIGINT or SIGTERM, then drains in-flight requests for
up to server.shutdown_timeout.

Examples:
  personad serve
  PERSONAD_SERVER_HTTP_PORT=8080 personad serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve the persona tools over the MCP stdio transport. Logs go to stderr.

Register it with an MCP client as:
  {"command": "personad", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, logger, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	log := logger.Zap()

	sc := c.Config.Server
	srv, err := httpapi.NewServer(c.HTTPDeps(), log.Named("http"), &httpapi.Config{
		Host:      sc.Host,
		Port:      sc.Port,
		RateLimit: sc.RateLimit,
		Metrics:   c.Config.Observability.EnableMetrics,
	})
	if err != nil {
		_ = c.Close(context.Background())
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("HTTP server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down", zap.Duration("timeout", sc.ShutdownTimeout.Duration()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout.Duration())
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("HTTP shutdown incomplete", zap.Error(serr))
		}
	}

	if cerr := c.Close(context.Background()); cerr != nil {
		log.Warn("releasing services", zap.Error(cerr))
	}
	log.Info("server shutdown complete")
	return err
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, logger, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer c.Close(context.Background()) //nolint:errcheck

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "personad",
		Version: version,
		Logger:  logger.Zap().Named("mcp"),
		Metrics: c.Config.Observability.EnableMetrics,
	}, c.MCPDeps())
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}
	return srv.Run(ctx)
}
