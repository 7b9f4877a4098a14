package checker

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics exposes check outcomes as Prometheus gauges.
type Metrics struct {
	registry  *prometheus.Registry
	builds    *prometheus.GaugeVec
	lastCheck *prometheus.GaugeVec
}

// NewMetrics registers the checker gauges on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llvm_snapshot_chroot_builds",
			Help: "Number of package/chroot builds of a snapshot by status.",
		}, []string{"strategy", "yyyymmdd", "status"}),
		lastCheck: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llvm_snapshot_last_check_timestamp_seconds",
			Help: "Unix time of the last completed check.",
		}, []string{"strategy", "yyyymmdd"}),
	}
	m.registry.MustRegister(m.builds, m.lastCheck)
	return m
}

// Registry returns the registry holding the checker gauges.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records the counts of a report.
func (m *Metrics) Observe(r *Report) {
	if m == nil || r == nil {
		return
	}
	for _, s := range allStatuses {
		m.builds.WithLabelValues(r.Strategy, r.YYYYMMDD(), string(s)).Set(float64(r.Count(s)))
	}
	m.lastCheck.WithLabelValues(r.Strategy, r.YYYYMMDD()).Set(float64(r.CheckedAt.Unix()))
}

// Push sends the gauges to a Prometheus Pushgateway.
func (m *Metrics) Push(ctx context.Context, url, strategy string) error {
	if m == nil {
		return errors.New("nil metrics")
	}
	return push.New(url, "snapshot_checker").
		Gatherer(m.registry).
		Grouping("strategy", strategy).
		PushContext(ctx)
}
