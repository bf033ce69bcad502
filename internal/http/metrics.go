package http

import (
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *HTTPMetrics
	metricsOnce   sync.Once
)

// HTTPMetrics holds Prometheus metrics for the API server.
type HTTPMetrics struct {
	RequestsTotal  *prometheus.CounterVec
	RequestDur     *prometheus.HistogramVec
	ResponseSize   *prometheus.HistogramVec
	ActiveRequests prometheus.Gauge
	RateLimited    prometheus.Counter
}

// NewHTTPMetrics creates and registers the HTTP metrics once per process.
//
// Metrics:
//   - personad_http_requests_total{method,endpoint,status}
//   - personad_http_request_duration_seconds{method,endpoint,status}
//   - personad_http_response_size_bytes{method,endpoint,status}
//   - personad_http_active_requests
//   - personad_http_rate_limited_total
func NewHTTPMetrics() *HTTPMetrics {
	metricsOnce.Do(func() {
		labels := []string{"method", "endpoint", "status"}
		globalMetrics = &HTTPMetrics{
			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "personad_http_requests_total",
				Help: "Total HTTP requests by method, route, and status code",
			}, labels),
			RequestDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "personad_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			}, labels),
			ResponseSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "personad_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
			}, labels),
			ActiveRequests: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "personad_http_active_requests",
				Help: "Number of in-flight HTTP requests",
			}),
			RateLimited: promauto.NewCounter(prometheus.CounterOpts{
				Name: "personad_http_rate_limited_total",
				Help: "Requests rejected by the per-client rate limiter",
			}),
		}
	})
	return globalMetrics
}

// Middleware returns an Echo middleware that records request metrics.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				// The error handler has not written yet.
				status = statusCode(err)
			}
			lv := []string{c.Request().Method, normalizePath(c.Path()), strconv.Itoa(status)}
			m.RequestsTotal.WithLabelValues(lv...).Inc()
			m.RequestDur.WithLabelValues(lv...).Observe(time.Since(start).Seconds())
			m.ResponseSize.WithLabelValues(lv...).Observe(float64(c.Response().Size))
			return err
		}
	}
}

// normalizePath maps a request to a bounded label set. Echo reports the
// route template (/api/v1/personas/:id), so parameters never reach a label;
// unmatched requests collapse into one bucket.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
