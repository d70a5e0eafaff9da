package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics counts escalation sweep activity. A nil *SchedulerMetrics
// records nothing.
type SchedulerMetrics struct {
	Sweeps        prometheus.Counter
	Timeouts      *prometheus.CounterVec
	Conflicts     prometheus.Counter
	Failures      prometheus.Counter
	SweepDuration prometheus.Histogram
}

// NewSchedulerMetrics creates and registers the sweep metrics.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_sweeps_total",
			Help:      "Escalation sweeps that ran to completion.",
		}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_timeouts_total",
			Help:      "Overdue workflows handled by the sweep, by result.",
		}, []string{"result"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_conflicts_total",
			Help:      "Timeout actions dropped because a concurrent action won.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_failures_total",
			Help:      "Timeout actions that failed.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_sweep_duration_seconds",
			Help:      "Escalation sweep duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	reg.MustRegister(m.Sweeps, m.Timeouts, m.Conflicts, m.Failures, m.SweepDuration)
	return m
}

// ObserveSweep records a completed sweep.
func (m *SchedulerMetrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
	m.SweepDuration.Observe(d.Seconds())
}

// ObserveTimeout records one handled workflow.
func (m *SchedulerMetrics) ObserveTimeout(result string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(result).Inc()
}

// ObserveConflict records a dropped concurrency conflict.
func (m *SchedulerMetrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// ObserveFailure records a failed timeout action.
func (m *SchedulerMetrics) ObserveFailure() {
	if m == nil {
		return
	}
	m.Failures.Inc()
}
