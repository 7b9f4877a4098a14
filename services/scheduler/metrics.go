package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts matrix cells by strategy and result.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	runs        prometheus.Counter
}

// NewMetrics registers the scheduler collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llvm_snapshot_check_invocations_total",
			Help: "Checker invocations by strategy and result.",
		}, []string{"strategy", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llvm_snapshot_check_duration_seconds",
			Help:    "Wall time of a single checker invocation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"strategy"}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llvm_snapshot_matrix_runs_total",
			Help: "Completed matrix runs.",
		}),
	}
	for _, c := range []prometheus.Collector{m.invocations, m.duration, m.runs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(res CellResult) {
	if m == nil {
		return
	}
	result := "success"
	if !res.OK() {
		result = "failure"
	}
	m.invocations.WithLabelValues(res.Invocation.Strategy.Name, result).Inc()
	m.duration.WithLabelValues(res.Invocation.Strategy.Name).Observe(res.Duration.Seconds())
}

func (m *Metrics) runDone() {
	if m == nil {
		return
	}
	m.runs.Inc()
}
