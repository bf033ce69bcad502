// Package mcp exposes persona recommendation and feedback as MCP tools.
//
// Tools call the registry, score service, and feedback loop directly. Each
// tool returns a short human-readable text block plus structured output.
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/feedback"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
)

var errNotFound = errors.New("not found")

// Server is an MCP server over the persona services.
type Server struct {
	mcp      *mcp.Server
	registry *registry.Registry
	scores   *score.Service
	feedback *feedback.Loop
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "personad")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger *zap.Logger

	// Metrics enables Prometheus tool metrics.
	Metrics bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "personad",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// Deps are the services the tools call. All are required.
type Deps struct {
	Registry *registry.Registry
	Scores   *score.Service
	Feedback *feedback.Loop
}

// NewServer creates an MCP server and registers its tools.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Scores == nil {
		return nil, fmt.Errorf("score service is required")
	}
	if deps.Feedback == nil {
		return nil, fmt.Errorf("feedback loop is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name, version := cfg.Name, cfg.Version
	if name == "" {
		name = "personad"
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    name,
			Version: version,
		}, nil),
		registry: deps.Registry,
		scores:   deps.Scores,
		feedback: deps.Feedback,
		logger:   logger,
	}
	if cfg.Metrics {
		s.metrics = NewMetrics()
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// MCPServer returns the underlying SDK server, for custom transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}
