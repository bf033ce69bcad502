// Personad recommends, composes, and scores agent personas.
//
// The same binary serves the HTTP API, serves MCP over stdio, and runs
// one-shot commands against the configured storage backend.
//
// Usage:
//
//	# Start the HTTP API
//	personad serve
//
//	# Serve MCP tools over stdio
//	personad mcp
//
//	# Ask for a recommendation
//	personad recommend --task code-review --capability reasoning
//
// Configuration is read from ~/.config/personad/config.yaml and PERSONAD_*
// environment variables. See internal/config for the keys.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/personad/internal/config"
	"github.com/fyrsmithlabs/personad/internal/logging"
	"github.com/fyrsmithlabs/personad/internal/services"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location
	configPath string
	// verbose keeps info-level logs on one-shot commands
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "personad",
	Short: "Persona recommendation and scoring service",
	Long: `personad keeps a registry of agent personas and micro-personas, picks the
best-scoring pair for a task, and learns from usage and feedback.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/personad/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level on one-shot commands")
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "personad by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

// loadConfig reads the config file named by --config, or the default one.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout stays clean for command output and
// the MCP stdio transport. One-shot commands log warnings only unless
// --verbose is set.
func newLogger(cfg *config.Config, oneShot bool) (*logging.Logger, error) {
	lc, err := logging.FromAppConfig(cfg.Logging, cfg.Observability.ServiceName)
	if err != nil {
		return nil, err
	}
	if oneShot && !verbose && lc.Level < zapcore.WarnLevel {
		lc.Level = zapcore.WarnLevel
	}
	return logging.NewLogger(lc, logging.WithOutput(zapcore.Lock(os.Stderr)))
}

// openServices loads configuration and builds the service container. The
// caller must Close the container.
func openServices(ctx context.Context, oneShot bool) (*services.Container, *logging.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg, oneShot)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	c, err := services.New(ctx, cfg, logger.Zap(), services.WithVersion(version))
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return c, logger, nil
}
