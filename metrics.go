package graphkb

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records outcomes and latency of the composed operations.
// A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	fetches    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphkb",
			Name:      "operations_total",
			Help:      "Composed store operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "graphkb",
			Name:      "operation_duration_seconds",
			Help:      "Latency of composed store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphkb",
			Name:      "attribute_fetches_total",
			Help:      "Per-node attribute fetches issued.",
		}),
	}
	for _, c := range []prometheus.Collector{m.operations, m.duration, m.fetches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) fetched() {
	if m == nil {
		return
	}
	m.fetches.Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "error"
	}
}
