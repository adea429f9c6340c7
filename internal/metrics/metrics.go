// Package metrics holds the purchase engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BillerSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_biller_submissions_total",
			Help: "Biller submissions by biller and transaction status.",
		},
		[]string{"biller", "status"},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_state_transitions_total",
			Help: "Purchase process transitions by target state.",
		},
		[]string{"to"},
	)

	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "purchase_lock_wait_seconds",
			Help:    "Time spent waiting for a session lock.",
			Buckets: []float64{.001, .01, .1, .5, 1, 2, 5, 10, 30},
		},
	)

	LockTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "purchase_lock_timeouts_total",
			Help: "Session lock acquisitions that gave up.",
		},
	)

	PostbacksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_postbacks_enqueued_total",
			Help: "Postbacks handed to the delivery queue, by terminal state.",
		},
		[]string{"state"},
	)

	ReconciliationRequired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "purchase_reconciliation_required_total",
			Help: "Terminal outcomes that could not be persisted after a biller charge.",
		},
	)
)
