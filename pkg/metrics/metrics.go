package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// APIRequestLatency records exchange REST latency by path, including time spent
// waiting on the rate gate.
var APIRequestLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "xtconn_api_request_duration_seconds",
		Help:    "Latency in seconds of exchange REST requests",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"path"},
)

// APIRequestErrors counts failed exchange requests by path and error kind.
var APIRequestErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xtconn_api_request_errors_total",
		Help: "Total number of failed exchange REST requests",
	},
	[]string{"path", "kind"},
)

// OrdersSubmitted counts submitted orders by side (buy/sell)
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xtconn_orders_submitted_total",
		Help: "Total number of orders submitted by the connector",
	},
	[]string{"side"},
)

// OrderEvents counts emitted business events by kind.
var OrderEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xtconn_order_events_total",
		Help: "Total number of order lifecycle events emitted",
	},
	[]string{"kind"},
)

// Reconciliation loop metrics
var (
	TrackedOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtconn_tracked_orders",
			Help: "Number of in-flight orders currently tracked",
		},
	)

	StatusPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xtconn_status_poll_duration_seconds",
			Help:    "Duration of a full status poll cycle (balances, trades, orders)",
			Buckets: prometheus.DefBuckets,
		},
	)

	LoopFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xtconn_loop_failures_total",
			Help: "Number of background loop iterations that failed and backed off",
		},
		[]string{"loop"},
	)

	ReconciliationAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xtconn_reconciliation_anomalies_total",
			Help: "Remote records referencing orders or states unknown locally",
		},
	)
)

func init() {
	prometheus.MustRegister(APIRequestLatency, APIRequestErrors, OrdersSubmitted, OrderEvents)
	prometheus.MustRegister(TrackedOrders, StatusPollDuration, LoopFailures, ReconciliationAnomalies)
}
