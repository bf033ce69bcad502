// Package http serves the persona registry, recommendation engine, and
// feedback loop as a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/feedback"
	"github.com/fyrsmithlabs/personad/internal/logging"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/scorecache"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/personad/internal/http")

// StatsSource reports score cache counters.
type StatsSource interface {
	Stats() scorecache.Stats
}

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the API exposes. Registry, Scores, and Feedback
// are required.
type Deps struct {
	Registry *registry.Registry
	Scores   *score.Service
	Feedback *feedback.Loop

	// Cache backs GET /api/v1/cache/stats. Optional.
	Cache StatsSource

	// Storage is pinged by /health. If it also reports Mode() it is
	// surfaced on /api/v1/status. Optional.
	Storage Pinger

	Version string
}

// Server provides HTTP endpoints for personad.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit float64

	// Metrics enables request instrumentation and GET /metrics.
	Metrics bool
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("registry cannot be nil")
	case deps.Scores == nil:
		return nil, fmt.Errorf("score service cannot be nil")
	case deps.Feedback == nil:
		return nil, fmt.Errorf("feedback loop cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit cannot be negative: %v", cfg.RateLimit)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			ctx := logging.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
		},
	}))
	e.Use(tracingMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = statusCode(err)
			}
			fields := append(logging.ContextFields(c.Request().Context()),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
			logger.Info("http request", fields...)
			return err
		}
	})

	var metrics *HTTPMetrics
	if cfg.Metrics {
		metrics = NewHTTPMetrics()
		e.Use(metrics.Middleware())
	}
	if cfg.RateLimit > 0 {
		var onReject func()
		if metrics != nil {
			onReject = metrics.RateLimited.Inc
		}
		e.Use(newClientLimiter(cfg.RateLimit).middleware(onReject))
	}

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// tracingMiddleware continues the caller's W3C trace, if any, in a server
// span so handler logs carry trace and span IDs.
func tracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := normalizePath(c.Path())
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
				))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = statusCode(err)
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.Metrics {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	v1.GET("/personas", s.handleListPersonas)
	v1.POST("/personas", s.handleCreatePersona)
	v1.GET("/personas/:id", s.handleGetPersona)
	v1.PUT("/personas/:id", s.handleSavePersona)
	v1.PATCH("/personas/:id", s.handleUpdatePersona)
	v1.DELETE("/personas/:id", s.handleDeletePersona)

	v1.GET("/micro-personas", s.handleListMicroPersonas)
	v1.POST("/micro-personas", s.handleCreateMicroPersona)
	v1.GET("/micro-personas/:id", s.handleGetMicroPersona)
	v1.PUT("/micro-personas/:id", s.handleSaveMicroPersona)
	v1.PATCH("/micro-personas/:id", s.handleUpdateMicroPersona)
	v1.DELETE("/micro-personas/:id", s.handleDeleteMicroPersona)

	v1.POST("/recommendations", s.handleRecommend)
	v1.POST("/usage", s.handleRecordUsage)
	v1.POST("/feedback", s.handleFeedback)
	v1.GET("/scores/:id", s.handleGetScore)
	v1.GET("/cache/stats", s.handleCacheStats)
}

// Handler exposes the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
