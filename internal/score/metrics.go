package score

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for score updates.
type Metrics struct {
	UpdatesTotal *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec
}

// NewMetrics registers the score metrics once per process.
//
// Metrics:
//   - personad_score_updates_total{kind} - usage or feedback folds persisted
//   - personad_score_update_errors_total{kind} - folds that failed to persist
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			UpdatesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "personad_score_updates_total",
					Help: "Total number of persisted score updates",
				},
				[]string{"kind"}, // "usage" or "feedback"
			),
			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "personad_score_update_errors_total",
					Help: "Total number of score updates that failed to persist",
				},
				[]string{"kind"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordUpdate(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ErrorsTotal.WithLabelValues(kind).Inc()
		return
	}
	m.UpdatesTotal.WithLabelValues(kind).Inc()
}
