package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quizfund"

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics

	walletMetricsOnce sync.Once
	walletRegistry    *WalletMetrics

	verifierMetricsOnce sync.Once
	verifierRegistry    *VerifierMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics
)

func label(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// RPCMetrics tracks ledger RPC attempts and circuit breaker state per endpoint.
type RPCMetrics struct {
	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	shortCircuit *prometheus.CounterVec
}

// RPC returns the lazily initialised RPC metrics registry.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "attempts_total",
				Help:      "Ledger RPC attempts segmented by network, endpoint and outcome.",
			}, []string{"network", "endpoint", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "attempt_duration_seconds",
				Help:      "Latency distribution for single ledger RPC attempts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"network", "endpoint"}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).",
			}, []string{"network", "endpoint"}),
			shortCircuit: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "short_circuits_total",
				Help:      "Calls skipped because the endpoint breaker was open.",
			}, []string{"network", "endpoint"}),
		}
		prometheus.MustRegister(
			rpcRegistry.attempts,
			rpcRegistry.latency,
			rpcRegistry.breakerState,
			rpcRegistry.shortCircuit,
		)
	})
	return rpcRegistry
}

// ObserveAttempt records a single attempt against an endpoint.
func (m *RPCMetrics) ObserveAttempt(network, endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	network = label(network, "unknown")
	endpoint = label(endpoint, "unknown")
	m.attempts.WithLabelValues(network, endpoint, label(outcome, "unknown")).Inc()
	m.latency.WithLabelValues(network, endpoint).Observe(d.Seconds())
}

// SetBreakerState publishes the numeric breaker state for an endpoint.
func (m *RPCMetrics) SetBreakerState(network, endpoint string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(label(network, "unknown"), label(endpoint, "unknown")).Set(float64(state))
}

// RecordShortCircuit counts a call rejected by an open breaker.
func (m *RPCMetrics) RecordShortCircuit(network, endpoint string) {
	if m == nil {
		return
	}
	m.shortCircuit.WithLabelValues(label(network, "unknown"), label(endpoint, "unknown")).Inc()
}

// WalletMetrics tracks custodial wallet allocation and creation.
type WalletMetrics struct {
	allocations *prometheus.CounterVec
	creations   *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
}

// Wallet returns the lazily initialised wallet metrics registry.
func Wallet() *WalletMetrics {
	walletMetricsOnce.Do(func() {
		walletRegistry = &WalletMetrics{
			allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "account_id_allocations_total",
				Help:      "Account id allocation attempts segmented by result (unique, collision, exhausted).",
			}, []string{"result"}),
			creations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "creations_total",
				Help:      "On-chain account creation outcomes segmented by path and result.",
			}, []string{"path", "result"}),
			recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "recoveries_total",
				Help:      "Auto-recovery outcomes for wallets missing on chain.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			walletRegistry.allocations,
			walletRegistry.creations,
			walletRegistry.recoveries,
		)
	})
	return walletRegistry
}

// RecordAllocation increments the allocation counter.
func (m *WalletMetrics) RecordAllocation(result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(label(result, "unknown")).Inc()
}

// RecordCreation increments the creation counter for the supplied path.
func (m *WalletMetrics) RecordCreation(path, result string) {
	if m == nil {
		return
	}
	m.creations.WithLabelValues(label(path, "unknown"), label(result, "unknown")).Inc()
}

// RecordRecovery increments the recovery counter.
func (m *WalletMetrics) RecordRecovery(result string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(label(result, "unknown")).Inc()
}

// VerifierMetrics tracks payment hash verification outcomes.
type VerifierMetrics struct {
	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
}

// Verifier returns the lazily initialised verifier metrics registry.
func Verifier() *VerifierMetrics {
	verifierMetricsOnce.Do(func() {
		verifierRegistry = &VerifierMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "outcomes_total",
				Help:      "Payment verification outcomes segmented by result reason.",
			}, []string{"reason"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "duration_seconds",
				Help:      "End to end verification latency including ledger lookups.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(verifierRegistry.outcomes, verifierRegistry.latency)
	})
	return verifierRegistry
}

// Observe records a verification outcome. Successful activations use reason "activated".
func (m *VerifierMetrics) Observe(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(label(reason, "unknown")).Inc()
	m.latency.Observe(d.Seconds())
}

// PayoutMetrics wraps collectors tracking the distribution engine.
type PayoutMetrics struct {
	transfers    *prometheus.CounterVec
	runs         *prometheus.CounterVec
	latency      prometheus.Histogram
	capRemaining *prometheus.GaugeVec
	pauseEngaged prometheus.Gauge
}

// Payout exposes the metrics registry for the distribution engine.
func Payout() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "transfers_total",
				Help:      "Winner transfers segmented by currency and outcome.",
			}, []string{"currency", "outcome"}),
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "runs_total",
				Help:      "Distribution runs segmented by result.",
			}, []string{"result"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for completed distribution runs.",
				Buckets:   prometheus.DefBuckets,
			}),
			capRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "cap_remaining",
				Help:      "Remaining daily payout cap per currency in smallest units.",
			}, []string{"currency"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "pause_engaged",
				Help:      "Indicates whether the distribution pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			payoutRegistry.transfers,
			payoutRegistry.runs,
			payoutRegistry.latency,
			payoutRegistry.capRemaining,
			payoutRegistry.pauseEngaged,
		)
	})
	return payoutRegistry
}

// RecordTransfer counts a single winner transfer outcome.
func (m *PayoutMetrics) RecordTransfer(currency, outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(strings.ToUpper(label(currency, "unknown")), label(outcome, "unknown")).Inc()
}

// RecordRun counts a distribution run and, for completed runs, its latency.
func (m *PayoutMetrics) RecordRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(label(result, "unknown")).Inc()
	if result == "closed" {
		m.latency.Observe(d.Seconds())
	}
}

// RecordCap publishes the remaining cap. Values beyond float64 precision are approximated.
func (m *PayoutMetrics) RecordCap(currency string, remaining float64) {
	if m == nil {
		return
	}
	m.capRemaining.WithLabelValues(strings.ToUpper(label(currency, "unknown"))).Set(remaining)
}

// SetPaused toggles the pause gauge.
func (m *PayoutMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}
