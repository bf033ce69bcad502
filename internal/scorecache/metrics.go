package scorecache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the score cache.
type Metrics struct {
	HitsTotal      prometheus.Counter
	MissesTotal    prometheus.Counter
	SetsTotal      prometheus.Counter
	EvictionsTotal prometheus.Counter
	Size           prometheus.Gauge
}

// NewMetrics creates and registers the cache metrics.
//
// sync.Once keeps registration global so repeated calls never panic with a
// duplicate collector.
//
// Metrics:
//   - personad_score_cache_hits_total
//   - personad_score_cache_misses_total
//   - personad_score_cache_sets_total
//   - personad_score_cache_evictions_total - capacity evictions only
//   - personad_score_cache_size
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			HitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "personad_score_cache_hits_total",
				Help: "Total number of score cache hits",
			}),
			MissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "personad_score_cache_misses_total",
				Help: "Total number of score cache misses",
			}),
			SetsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "personad_score_cache_sets_total",
				Help: "Total number of score cache writes",
			}),
			EvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "personad_score_cache_evictions_total",
				Help: "Total number of entries evicted for capacity",
			}),
			Size: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "personad_score_cache_size",
				Help: "Current number of cached scores",
			}),
		}
	})
	return globalMetrics
}
