package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for MCP tool calls.
type Metrics struct {
	Invocations    *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	Errors         *prometheus.CounterVec
	ActiveRequests *prometheus.GaugeVec
}

// NewMetrics creates and registers the tool metrics once per process.
//
// Metrics:
//   - personad_mcp_tool_invocations_total{tool}
//   - personad_mcp_tool_duration_seconds{tool}
//   - personad_mcp_tool_errors_total{tool,reason}
//   - personad_mcp_tool_active_requests{tool}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Invocations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "personad_mcp_tool_invocations_total",
				Help: "Total number of MCP tool invocations",
			}, []string{"tool"}),
			Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "personad_mcp_tool_duration_seconds",
				Help:    "Duration of MCP tool invocations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			}, []string{"tool"}),
			Errors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "personad_mcp_tool_errors_total",
				Help: "Total number of MCP tool errors by reason",
			}, []string{"tool", "reason"}),
			ActiveRequests: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "personad_mcp_tool_active_requests",
				Help: "Number of in-flight MCP tool calls",
			}, []string{"tool"}),
		}
	})
	return globalMetrics
}

// track marks a tool call in flight and returns the function that records
// its outcome. A nil receiver records nothing.
func (m *Metrics) track(_ context.Context, tool string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.ActiveRequests.WithLabelValues(tool).Inc()
	return func(err error) {
		m.ActiveRequests.WithLabelValues(tool).Dec()
		m.Invocations.WithLabelValues(tool).Inc()
		m.Duration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
		if err != nil {
			m.Errors.WithLabelValues(tool, categorizeError(err)).Inc()
		}
	}
}

// categorizeError maps an error to a bounded reason label.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, persona.ErrValidation),
		errors.Is(err, score.ErrEmptyPersonaID),
		errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, registry.ErrUnknownParent):
		return "validation_error"
	case errors.Is(err, errNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, persona.ErrComposition):
		return "composition_error"
	case errors.Is(err, storage.ErrStore):
		return "storage_error"
	default:
		return "internal_error"
	}
}
