// Package metrics provides the durability kernel's Prometheus metrics:
// boot mode, circuit breaker state, work-queue claims, and reconciliation
// outcomes.
package metrics

import (
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all kernel-level Prometheus collectors.
type Metrics struct {
	BootMode       *prometheus.GaugeVec
	BreakerState   *prometheus.GaugeVec
	QueueClaims    *prometheus.CounterVec
	StaleRecovered prometheus.Counter
	ReconcileOutcomes *prometheus.CounterVec
	RateLimitDenied   *prometheus.CounterVec
	LockContentions   prometheus.Counter
}

// New creates a new Metrics instance registered against the default
// Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance registered against a
// caller-supplied registerer (nil disables registration, useful in tests
// that construct multiple kernels in one process).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		BootMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_boot_mode",
				Help: "1 for the currently active operating mode, labeled by mode name",
			},
			[]string{"service", "mode"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_circuit_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open",
			},
			[]string{"service", "breaker"},
		),
		QueueClaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_work_queue_claims_total",
				Help: "Work queue claim attempts by outcome",
			},
			[]string{"service", "outcome"},
		),
		StaleRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_stale_sessions_recovered_total",
				Help: "Stale in_progress sessions returned to ready",
			},
		),
		ReconcileOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_reconcile_outcomes_total",
				Help: "Idempotency reconciliation outcomes",
			},
			[]string{"service", "outcome"},
		),
		RateLimitDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_rate_limit_denied_total",
				Help: "Admission denials by rate limiter scope",
			},
			[]string{"service", "scope"},
		),
		LockContentions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_lock_contentions_total",
				Help: "Lock acquisition attempts that hit a live owner",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.BootMode,
			m.BreakerState,
			m.QueueClaims,
			m.StaleRecovered,
			m.ReconcileOutcomes,
			m.RateLimitDenied,
			m.LockContentions,
		)
	}

	return m
}

// SetBootMode records the currently active operating mode, zeroing any
// previously-set mode labels for this service.
func (m *Metrics) SetBootMode(service string, mode string) {
	for _, candidate := range []string{"autonomous", "degraded", "dev"} {
		value := 0.0
		if candidate == mode {
			value = 1.0
		}
		m.BootMode.WithLabelValues(service, candidate).Set(value)
	}
}

// BreakerStateValue maps a breaker state name to the gauge's numeric
// encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open", "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordQueueClaim increments the claim-outcome counter ("claimed", "none",
// "lost_race").
func (m *Metrics) RecordQueueClaim(service, outcome string) {
	m.QueueClaims.WithLabelValues(service, outcome).Inc()
}

// RecordReconcileOutcome increments the reconciliation-outcome counter
// ("promoted", "pending", "compensated").
func (m *Metrics) RecordReconcileOutcome(service, outcome string) {
	m.ReconcileOutcomes.WithLabelValues(service, outcome).Inc()
}

// Enabled returns whether Prometheus metrics should be exposed, controlled
// by the KERNEL_METRICS_ENABLED environment variable (default: enabled).
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("KERNEL_METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing a fallback if
// needed.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("kernel")
	}
	return globalMetrics
}
