package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	admissions    *prometheus.CounterVec
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	notifications *prometheus.CounterVec
	ready         *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagesmith",
			Name:      "admissions_total",
			Help:      "Build requests by admission result.",
		}, []string{"result"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagesmith",
			Name:      "pipeline_runs_total",
			Help:      "Finished pipeline runs by terminal status.",
		}, []string{"status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pagesmith",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagesmith",
			Name:      "pipeline_in_flight",
			Help:      "Pipelines currently holding a worker slot.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagesmith",
			Name:      "notifications_total",
			Help:      "Evaluator notifications by delivery result.",
		}, []string{"result"}),
		ready: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagesmith",
			Name:      "readiness_checks_total",
			Help:      "Readiness polls by outcome.",
		}, []string{"ready"}),
	}
}
