package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpSettle.
type Metrics struct {
	// --- Command processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	EventsEmitted    *prometheus.CounterVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge
	IngestToApply    *prometheus.HistogramVec

	// --- Settlement ---
	PendingRequests  *prometheus.GaugeVec
	OpenPositions    prometheus.Gauge
	PoolAmount       *prometheus.GaugeVec
	OracleRejections *prometheus.CounterVec
	ExecutionFees    *prometheus.CounterVec
	Liquidations     *prometheus.CounterVec
	LiquidationDebt  *prometheus.CounterVec
	ChainHead        prometheus.Gauge
	ChainPollErrors  prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    *prometheus.HistogramVec

	// --- Snapshot & replay ---
	SnapshotTaken       prometheus.Counter
	SnapshotDuration    prometheus.Histogram
	SnapshotLastSeq     prometheus.Gauge
	ReplayCommandsTotal prometheus.Counter
	ReplayDuration      prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	QueryCacheLookup *prometheus.CounterVec
	StreamClients    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_commands_applied_total",
			Help: "Commands successfully applied by the settlement core",
		}, []string{"command"}),

		CommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_commands_rejected_total",
			Help: "Commands rejected, by error kind (oracle, validation, authorization, duplicate)",
		}, []string{"command", "kind"}),

		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_command_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_events_emitted_total",
			Help: "Settlement events emitted",
		}, []string{"event_type"}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Current global sequence number",
		}),

		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"command"}),

		PendingRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pending_requests",
			Help: "Pending requests by kind",
		}, []string{"kind"}),

		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_open_positions",
			Help: "Open positions",
		}),

		PoolAmount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_amount",
			Help: "Pool amount in token units (float approximation)",
		}, []string{"market", "token"}),

		OracleRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_rejections_total",
			Help: "Price sets rejected by the oracle gateway",
		}, []string{"reason"}),

		ExecutionFees: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_execution_fees_total",
			Help: "Execution fees paid to keepers or refunded, in native units",
		}, []string{"outcome"}),

		Liquidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"market", "reason"}),

		LiquidationDebt: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidation_deficit_total",
			Help: "Liquidations that left a deficit absorbed by the pool",
		}, []string{"market"}),

		ChainHead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_chain_head_block",
			Help: "Latest block seen by the chain context",
		}),

		ChainPollErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_chain_poll_errors_total",
			Help: "Failed chain header polls",
		}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		PersistCommandsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_commands_written_total",
			Help: "Command log entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCommandsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_replay_duration_seconds",
			Help: "Total replay time",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_http_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),

		QueryCacheLookup: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_cache_lookups_total",
			Help: "Redis query cache lookups",
		}, []string{"endpoint", "result"}),

		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_stream_clients",
			Help: "Connected websocket event stream clients",
		}),
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
