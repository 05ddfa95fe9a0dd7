package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarketCore.
type Metrics struct {
	// --- Engine ---
	CoreOpsApplied   *prometheus.CounterVec
	CoreOpsRejected  *prometheus.CounterVec
	CoreOpDuration   *prometheus.HistogramVec
	CoreStateHashDur prometheus.Histogram
	Aggregates       *prometheus.GaugeVec

	// --- Markets ---
	BetsPlaced         *prometheus.CounterVec
	MarketTransitions  *prometheus.CounterVec
	MarketsSwept       prometheus.Counter
	PayoutsClaimed     *prometheus.CounterVec
	SettlementResidual *prometheus.GaugeVec

	// --- Curves ---
	CurveTrades *prometheus.CounterVec
	CurveSupply *prometheus.GaugeVec

	// --- Fees ---
	FeesCollected *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistTradesWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken      prometheus.Counter
	SnapshotDuration   prometheus.Histogram
	SnapshotSizeBytes  prometheus.Gauge
	AggregatesRestored *prometheus.CounterVec
	EventsReplayed     *prometheus.CounterVec

	// --- Notification ---
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter

	// --- Distributed guard ---
	GuardAcquire *prometheus.CounterVec

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		CoreOpsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_ops_applied_total",
			Help: "Mutations committed by the engine",
		}, []string{"operation"}),

		CoreOpsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_ops_rejected_total",
			Help: "Mutations rejected, by error kind",
		}, []string{"operation", "kind"}),

		CoreOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketcore_op_duration_seconds",
			Help:    "Time to apply a single mutation",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketcore_state_hash_duration_seconds",
			Help:    "Time to extend an aggregate hash chain",
			Buckets: latencyBuckets,
		}),

		Aggregates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcore_aggregates",
			Help: "Aggregates held in memory",
		}, []string{"kind"}),

		// Markets
		BetsPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_bets_placed_total",
			Help: "Bets committed",
		}, []string{"market_type"}),

		MarketTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_market_transitions_total",
			Help: "Market status transitions",
		}, []string{"from", "to"}),

		MarketsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_markets_swept_total",
			Help: "Expired markets moved to PendingResolution by the sweeper",
		}),

		PayoutsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_payouts_claimed_total",
			Help: "Payout and refund claims",
		}, []string{"action"}),

		SettlementResidual: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcore_settlement_residual",
			Help: "Rounding residual retained at settlement (whole units)",
		}, []string{"market_id"}),

		// Curves
		CurveTrades: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_curve_trades_total",
			Help: "Curve buys and sells",
		}, []string{"side"}),

		CurveSupply: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcore_curve_supply",
			Help: "Outstanding curve shares",
		}, []string{"curve_id"}),

		// Fees
		FeesCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_fees_collected",
			Help: "Fees collected (whole units)",
		}, []string{"aggregate_kind"}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcore_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcore_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcore_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Persistence
		PersistTradesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_persist_trades_written_total",
			Help: "Trades written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketcore_persist_batch_size",
			Help:    "Trades per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketcore_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_persist_retry_total",
			Help: "Persistence retries",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketcore_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		AggregatesRestored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_aggregates_restored_total",
			Help: "Aggregates restored from snapshot on startup",
		}, []string{"kind"}),

		EventsReplayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_events_replayed_total",
			Help: "Logged envelopes re-applied past the snapshot on startup",
		}, []string{"kind"}),

		// Notification
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_events_published_total",
			Help: "Envelopes published to NATS",
		}, []string{"event_type"}),

		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_publish_errors_total",
			Help: "NATS publish failures",
		}),

		// Distributed guard
		GuardAcquire: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_guard_acquire_total",
			Help: "Distributed lock acquisitions (acquired/busy/error)",
		}, []string{"result"}),

		// API
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		APIDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketcore_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
