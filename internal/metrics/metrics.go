package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconciledEvents tracks reconciled logs by event class and outcome
	ReconciledEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_reconciled_events_total",
			Help: "The total number of ledger logs processed by the reconciler",
		},
		[]string{"class", "outcome"}, // applied, duplicate, skipped
	)

	// Watermark tracks the highest scanned block per event class
	Watermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raffle_watermark_block",
			Help: "The highest block already scanned per event class",
		},
		[]string{"class"},
	)

	// PollErrors tracks failed poll cycles per event class
	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_poll_errors_total",
			Help: "The total number of failed reconciler poll cycles",
		},
		[]string{"class"},
	)

	// Transactions tracks signed transactions by operation and status
	Transactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_transactions_total",
			Help: "The total number of signed transactions submitted",
		},
		[]string{"operation", "status"}, // sent, confirmed, failed, timeout
	)

	// RPCRequestsTotal tracks RPC requests by method and status
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_rpc_requests_total",
			Help: "The total number of RPC requests",
		},
		[]string{"method", "status"},
	)

	// RPCEndpointHealth tracks RPC endpoint health
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raffle_rpc_endpoint_health",
			Help: "Health status of RPC endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)
)

// RecordRPCRequest records an RPC request with the given status
func RecordRPCRequest(method, status string) {
	RPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordTransaction records a transaction lifecycle step
func RecordTransaction(operation, status string) {
	Transactions.WithLabelValues(operation, status).Inc()
}

// RecordReconciled records the outcome of one reconciled log
func RecordReconciled(class, outcome string) {
	ReconciledEvents.WithLabelValues(class, outcome).Inc()
}

// SetEndpointHealth flags an RPC endpoint healthy or not
func SetEndpointHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}
	RPCEndpointHealth.WithLabelValues(endpoint).Set(value)
}
