package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceSync        = "synchronizer"
	namespaceCoordinator = "coordinator"
	namespaceTxManager   = "txmanager"

	labelEventType = "event_type"
	labelEndpoint  = "endpoint"
)

var (
	// EthLastBlockNum last eth block seen
	EthLastBlockNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "eth_last_block_num",
			Help:      "",
		})

	// LastProcessedBlock last block processed per event type
	LastProcessedBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "last_processed_block",
			Help:      "",
		}, []string{labelEventType})

	// PendingLeaves leaves found upstream and not yet committed
	PendingLeaves = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "pending_leaves",
			Help:      "",
		}, []string{labelEventType})

	// RecoveredLeaves leaves committed on chain found missing in the
	// local state
	RecoveredLeaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceSync,
			Name:      "recovered_leaves_total",
			Help:      "",
		}, []string{labelEventType})

	// CommittedBatches batches accepted by the registry
	CommittedBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "committed_batches_total",
			Help:      "",
		}, []string{labelEventType})

	// CommittedLeaves leaves accepted by the registry
	CommittedLeaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "committed_leaves_total",
			Help:      "",
		}, []string{labelEventType})

	// RootConflicts local root different from the registry root
	RootConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "root_conflicts_total",
			Help:      "",
		})

	// Resyncs state flushes
	Resyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "resyncs_total",
			Help:      "",
		})

	// CycleDuration duration of a sync cycle in milliseconds
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceCoordinator,
			Name:      "cycle_duration",
			Help:      "",
		}, []string{"result"})

	// WaitServerProof duration time to get the calculated
	// proof from the server.
	WaitServerProof = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceCoordinator,
			Name:      "wait_server_proof",
			Help:      "",
		}, []string{labelEventType})

	// BroadcastErrors transactions rejected per endpoint
	BroadcastErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceTxManager,
			Name:      "broadcast_errors_total",
			Help:      "",
		}, []string{labelEndpoint})

	// GasPrice gas price in wei of the last signed transaction
	GasPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxManager,
			Name:      "gas_price",
			Help:      "",
		})
)

func init() {
	prometheus.MustRegister(
		EthLastBlockNum,
		LastProcessedBlock,
		PendingLeaves,
		RecoveredLeaves,
		CommittedBatches,
		CommittedLeaves,
		RootConflicts,
		Resyncs,
		CycleDuration,
		WaitServerProof,
		BroadcastErrors,
		GasPrice,
	)
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}
