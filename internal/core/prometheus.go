package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports operation and decision metrics to a Prometheus
// registry.
type PrometheusRecorder struct {
	durations *prometheus.HistogramVec
	total     *prometheus.CounterVec
	decisions *prometheus.CounterVec
}

// NewPrometheusRecorder registers the permitcore collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "permitcore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of service operations and jobs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permitcore",
			Name:      "operations_total",
			Help:      "Service operations and jobs by outcome.",
		}, []string{"operation", "status"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permitcore",
			Name:      "decisions_total",
			Help:      "Finalized permission decisions by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.total, r.decisions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := statusLabel(success)
	r.durations.WithLabelValues(operation, status).Observe(duration.Seconds())
	r.total.WithLabelValues(operation, status).Inc()
}

// RecordDecision implements DecisionRecorder.
func (r *PrometheusRecorder) RecordDecision(outcome string) {
	r.decisions.WithLabelValues(outcome).Inc()
}

// MultiRecorder fans out to several recorders.
type MultiRecorder []MetricsRecorder

// Observe implements MetricsRecorder.
func (m MultiRecorder) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		r.Observe(ctx, operation, success, duration)
	}
}

// RecordDecision forwards to members that count decisions.
func (m MultiRecorder) RecordDecision(outcome string) {
	for _, r := range m {
		if d, ok := r.(DecisionRecorder); ok {
			d.RecordDecision(outcome)
		}
	}
}
