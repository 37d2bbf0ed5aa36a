package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Payment lifecycle
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintv_payments_total",
			Help: "Payment attempts by final outcome",
		},
		[]string{"outcome"}, // not_sent, unknown, failed, confirmed, rejected
	)

	PaymentDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chaintv_payment_duration_seconds",
			Help:    "Time from payment start to a terminal outcome",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	EntitlementReportFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chaintv_entitlement_report_failures_total",
			Help: "Confirmed payments whose entitlement report to the backend failed",
		},
	)

	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintv_reconcile_total",
			Help: "Reconciliation attempts for unreported payments by result",
		},
		[]string{"result"},
	)

	// Access decisions
	AccessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintv_access_decisions_total",
			Help: "Access evaluations by resulting state and reason",
		},
		[]string{"state", "reason"},
	)

	// Stream metadata
	StreamFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintv_stream_fetch_total",
			Help: "Stream descriptor lookups by result",
		},
		[]string{"result"}, // hit, fetched, shared, not_found, error
	)

	// Exchange rate
	PriceUSD = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chaintv_price_usd",
			Help: "Last exchange rate in USD per SOL served by the oracle",
		},
	)

	PriceFetchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chaintv_price_fetch_failures_total",
			Help: "Failed exchange rate fetches",
		},
	)

	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chaintv_open_sessions",
			Help: "Viewer sessions currently open on the local API",
		},
	)
)
