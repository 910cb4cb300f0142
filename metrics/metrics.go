package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polypay"

// Vote outcomes
const (
	OutcomeRecorded  = "recorded"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
	OutcomeFailedJob = "failed_job"
)

// Metrics collects consensus engine counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	votes                *prometheus.CounterVec
	statusChanges        *prometheus.CounterVec
	vkRegistrations      *prometheus.CounterVec
	submitRetries        prometheus.Counter
	pollAttempts         prometheus.Counter
	pollErrors           prometheus.Counter
	verificationDuration prometheus.Histogram
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_total",
			Help:      "Votes processed, by outcome.",
		}, []string{"outcome"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "status_changes_total",
			Help:      "Transaction status changes, by new status.",
		}, []string{"status"}),
		vkRegistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "vk_registrations_total",
			Help:      "Verification key registration attempts, by result.",
		}, []string{"result"}),
		submitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "submit_retries_total",
			Help:      "Proof submissions retried after a network error.",
		}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "poll_attempts_total",
			Help:      "Job status polls issued.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "poll_errors_total",
			Help:      "Job status polls that failed and were counted as pending.",
		}),
		verificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "verification_duration_seconds",
			Help:      "Time from proof submission to a final job status.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 180},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.votes,
		m.statusChanges,
		m.vkRegistrations,
		m.submitRetries,
		m.pollAttempts,
		m.pollErrors,
		m.verificationDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Vote(outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

func (m *Metrics) VKRegistration(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.vkRegistrations.WithLabelValues(result).Inc()
}

func (m *Metrics) SubmitRetry() {
	if m == nil {
		return
	}
	m.submitRetries.Inc()
}

func (m *Metrics) PollAttempt() {
	if m == nil {
		return
	}
	m.pollAttempts.Inc()
}

func (m *Metrics) PollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

func (m *Metrics) VerificationFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.verificationDuration.Observe(d.Seconds())
}
