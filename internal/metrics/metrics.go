// ABOUTME: Prometheus collectors for the bus transport, coordinator, delegation and bridge
// ABOUTME: Collectors register lazily on the default registry the first time they are used

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aetherbus"

var (
	registerOnce sync.Once

	transportOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "operations_total",
			Help:      "Log transport operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
	transportRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Transient log faults retried at the transport boundary.",
		},
		[]string{"op"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "deliveries_total",
			Help:      "Consumer group deliveries by result.",
		},
		[]string{"stream", "group", "result"},
	)
	handleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handle_duration_seconds",
			Help:      "Handler latency per delivery.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stream", "group"},
	)
	delegations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delegate",
			Name:      "calls_total",
			Help:      "Delegation calls by outcome.",
		},
		[]string{"target", "outcome"},
	)
	delegationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delegate",
			Name:      "call_duration_seconds",
			Help:      "Delegation round-trip latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"target"},
	)
	sessionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sessions",
			Help:      "Sessions by state.",
		},
		[]string{"state"},
	)
	turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "turns_total",
			Help:      "Bridge turns by outcome.",
		},
		[]string{"outcome"},
	)
	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "turn_duration_seconds",
			Help:      "Time from process input to reply.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

// Register adds every collector to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			transportOps, transportRetries,
			deliveries, handleDuration,
			delegations, delegationDuration,
			sessionsGauge, turns, turnDuration,
		)
	})
}

// RecordTransportOp counts one transport operation. err nil means success.
func RecordTransportOp(op string, err error) {
	Register()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	transportOps.WithLabelValues(op, outcome).Inc()
}

// RecordTransportRetry counts a retried transient fault.
func RecordTransportRetry(op string) {
	Register()
	transportRetries.WithLabelValues(op).Inc()
}

// RecordDelivery counts a delivery result: acked, failed, dead_lettered, malformed, duplicate.
func RecordDelivery(stream, group, result string) {
	Register()
	deliveries.WithLabelValues(stream, group, result).Inc()
}

// ObserveHandle records handler latency.
func ObserveHandle(stream, group string, d time.Duration) {
	Register()
	handleDuration.WithLabelValues(stream, group).Observe(d.Seconds())
}

// RecordDelegation counts a finished call and its latency.
func RecordDelegation(target, outcome string, d time.Duration) {
	Register()
	delegations.WithLabelValues(target, outcome).Inc()
	delegationDuration.WithLabelValues(target).Observe(d.Seconds())
}

// SetSessions publishes the current session count per state.
func SetSessions(counts map[string]int) {
	Register()
	sessionsGauge.Reset()
	for state, n := range counts {
		sessionsGauge.WithLabelValues(state).Set(float64(n))
	}
}

// RecordTurn counts a bridge turn and its latency.
func RecordTurn(outcome string, d time.Duration) {
	Register()
	turns.WithLabelValues(outcome).Inc()
	turnDuration.Observe(d.Seconds())
}
