// Package metrics exposes prometheus collectors for the vault, the identity
// provider and the verification pipeline. All methods are safe on a nil
// *Metrics so services can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for mailgate.
type Metrics struct {
	// Vault operations by op ("store", "retrieve", ...) and outcome.
	VaultOps *prometheus.CounterVec

	// Provider calls by port method and outcome.
	ProviderCalls *prometheus.CounterVec

	// Verification check results by resulting status.
	VerificationOutcome *prometheus.CounterVec

	// Duration of a single verification check including retries.
	CheckLatency prometheus.Histogram

	// Audit writes that failed and were swallowed.
	AuditFailures prometheus.Counter

	// Domains currently waiting on verification.
	PendingDomains prometheus.Gauge
}

// New creates a Metrics instance registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		VaultOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_vault_operations_total",
			Help: "Credential vault operations by operation and outcome",
		}, []string{"op", "outcome"}),

		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_provider_calls_total",
			Help: "Identity provider calls by operation and outcome",
		}, []string{"op", "outcome"}),

		VerificationOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_verification_checks_total",
			Help: "Verification checks by resulting domain status",
		}, []string{"status"}), // status: "pending", "verified", "failed", "expired", "error"

		CheckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailgate_verification_check_duration_seconds",
			Help:    "Duration of a verification check including provider retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		AuditFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailgate_audit_write_failures_total",
			Help: "Audit entries that could not be persisted",
		}),

		PendingDomains: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_pending_domains",
			Help: "Domains in pending status at the last scheduler sweep",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// VaultOp records a vault operation.
func (m *Metrics) VaultOp(op string, err error) {
	if m != nil {
		m.VaultOps.WithLabelValues(op, outcome(err)).Inc()
	}
}

// ProviderCall records an identity provider call.
func (m *Metrics) ProviderCall(op string, err error) {
	if m != nil {
		m.ProviderCalls.WithLabelValues(op, outcome(err)).Inc()
	}
}

// VerificationChecked records the status a check left the domain in.
func (m *Metrics) VerificationChecked(status string, d time.Duration) {
	if m != nil {
		m.VerificationOutcome.WithLabelValues(status).Inc()
		m.CheckLatency.Observe(d.Seconds())
	}
}

// DomainExpired counts a domain the scheduler expired. No check ran, so
// nothing is observed on CheckLatency.
func (m *Metrics) DomainExpired() {
	if m != nil {
		m.VerificationOutcome.WithLabelValues("expired").Inc()
	}
}

// AuditFailed records a swallowed audit write failure.
func (m *Metrics) AuditFailed() {
	if m != nil {
		m.AuditFailures.Inc()
	}
}

// SetPending records the number of pending domains.
func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingDomains.Set(float64(n))
	}
}
