// Package metrics holds the process-wide Prometheus collectors. They are
// exposed on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stockflow"

var (
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_total",
		Help:      "Reservation operations by op and outcome.",
	}, []string{"op", "outcome"})

	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_appends_total",
		Help:      "Inventory ledger rows written, by change type.",
	}, []string{"change_type"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Payment webhook deliveries by result.",
	}, []string{"result"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transitions_total",
		Help:      "Order status transitions.",
	}, []string{"from", "to"})

	SweeperExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_expired_total",
		Help:      "Reservations expired by the sweeper.",
	})

	SweeperSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_skipped_total",
		Help:      "Sweeper candidates that were already terminal or not yet expired.",
	})

	TxAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tx_attempts",
		Help:      "Attempts needed per transaction, including conflict retries.",
		Buckets:   []float64{1, 2, 3, 4, 6},
	})
)

// Outcome maps an error to a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
