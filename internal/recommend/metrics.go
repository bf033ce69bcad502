package recommend

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the recommendation engine.
type Metrics struct {
	RecommendationsTotal *prometheus.CounterVec
	Duration             prometheus.Histogram
	SkippedTotal         prometheus.Counter
}

// NewMetrics registers the engine metrics once per process.
//
// Metrics:
//   - personad_recommendations_total{result} - "match", "no_match", or "error"
//   - personad_recommendation_duration_seconds
//   - personad_recommendation_skipped_candidates_total - candidates dropped because composition failed
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RecommendationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "personad_recommendations_total",
					Help: "Total number of recommendation requests by result",
				},
				[]string{"result"},
			),
			Duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "personad_recommendation_duration_seconds",
				Help:    "Duration of recommendation requests in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
			}),
			SkippedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "personad_recommendation_skipped_candidates_total",
				Help: "Total number of candidates skipped because composition failed",
			}),
		}
	})
	return globalMetrics
}
