// Package metrics provides the concrete observability sinks: Prometheus,
// InfluxDB with health fallback, and a fan-out combinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hemsd/hemsd/core/metrics"
)

// PromSink records run and dispatch outcomes as Prometheus metrics.
type PromSink struct {
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
}

var _ metrics.Sink = (*PromSink)(nil)

// NewPromSink registers the collectors on reg. If reg is nil, the default
// registerer is used. Already-registered collectors are reused.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hemsd_runs_total",
		Help: "Total number of finished runs",
	}, []string{"trigger", "status"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hemsd_run_duration_seconds",
		Help:    "Run duration from start to terminal status",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"trigger", "status"})
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hemsd_dispatch_events_total",
		Help: "Total number of terminal dispatch ledger entries",
	}, []string{"resource_id", "kind", "status"})
	dispatchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hemsd_dispatch_latency_seconds",
		Help:    "Webhook delivery latency including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource_id", "kind", "status"})

	collectors := []prometheus.Collector{runs, runDuration, dispatches, dispatchLatency}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			collectors[i] = are.ExistingCollector
		}
	}
	return &PromSink{
		runs:            collectors[0].(*prometheus.CounterVec),
		runDuration:     collectors[1].(*prometheus.HistogramVec),
		dispatches:      collectors[2].(*prometheus.CounterVec),
		dispatchLatency: collectors[3].(*prometheus.HistogramVec),
	}, nil
}

// RecordRun counts the finished run and observes its duration.
func (s *PromSink) RecordRun(rec metrics.RunRecord) error {
	trigger := string(rec.Trigger)
	status := string(rec.Status)
	s.runs.WithLabelValues(trigger, status).Inc()
	s.runDuration.WithLabelValues(trigger, status).Observe(rec.Duration.Seconds())
	return nil
}

// RecordDispatch counts the ledger entry and observes delivery latency.
func (s *PromSink) RecordDispatch(rec metrics.DispatchRecord) error {
	kind := string(rec.Kind)
	status := string(rec.Status)
	s.dispatches.WithLabelValues(rec.ResourceID, kind, status).Inc()
	if rec.Latency > 0 {
		s.dispatchLatency.WithLabelValues(rec.ResourceID, kind, status).Observe(rec.Latency.Seconds())
	}
	return nil
}
