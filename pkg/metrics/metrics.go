package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// Prom is the set of Prometheus metrics.
type Prom struct {
	OutDocs            prometheus.Counter
	ErrorDocs          prometheus.Counter
	ValidationFailures prometheus.Counter

	BlockedSubmitters prometheus.Counter
	LiveGrants        prometheus.Gauge

	SubmitWaitDuration prometheus.Histogram

	Version *prometheus.CounterVec
}

// New creates a new set of metrics.
// This does not include metrics registration.
func New() *Prom {
	return &Prom{
		OutDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crptapi",
			Name:      "out_documents_total",
			Help:      "Documents successfully handed to the transport.",
		}),
		ErrorDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crptapi",
			Name:      "error_documents_total",
			Help:      "Documents whose network send or encoding failed.",
		}),
		ValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crptapi",
			Name:      "validation_failures_total",
			Help:      "Submissions rejected before admission for a missing document or signature.",
		}),
		BlockedSubmitters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crptapi",
			Name:      "blocked_submitters_total",
			Help:      "Submitters that had to wait for a rate limiter slot.",
		}),
		LiveGrants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crptapi",
			Name:      "limiter_live_grants",
			Help:      "Admissions currently inside the trailing window.",
		}),
		SubmitWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crptapi",
			Name:      "submit_wait_duration_seconds",
			Help:      "Time spent blocked in the rate limiter per submission.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		Version: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crptapi",
			Name:      "version",
			Help:      "Version of the running binary.",
		}, []string{"version"}),
	}
}

// Register registers the metrics with the default registry.
func Register(m *Prom) {
	err := prometheus.Register(m.OutDocs)
	if err != nil {
		log.Fatalf("error registering the out_documents_total metric: %v", err)
	}

	err = prometheus.Register(m.ErrorDocs)
	if err != nil {
		log.Fatalf("error registering the error_documents_total metric: %v", err)
	}

	err = prometheus.Register(m.ValidationFailures)
	if err != nil {
		log.Fatalf("error registering the validation_failures_total metric: %v", err)
	}

	err = prometheus.Register(m.BlockedSubmitters)
	if err != nil {
		log.Fatalf("error registering the blocked_submitters_total metric: %v", err)
	}

	err = prometheus.Register(m.LiveGrants)
	if err != nil {
		log.Fatalf("error registering the limiter_live_grants metric: %v", err)
	}

	err = prometheus.Register(m.SubmitWaitDuration)
	if err != nil {
		log.Fatalf("error registering the submit_wait_duration_seconds metric: %v", err)
	}

	err = prometheus.Register(m.Version)
	if err != nil {
		log.Fatalf("error registering the version metric: %v", err)
	}
}
