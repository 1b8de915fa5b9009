package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LeverLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreRecords        *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Pool ---
	PoolDeposits    *prometheus.GaugeVec
	PoolBorrowed    *prometheus.GaugeVec
	PoolReserve     *prometheus.GaugeVec
	PoolUtilization *prometheus.GaugeVec
	InterestAccrued *prometheus.CounterVec
	FlashLoans      *prometheus.CounterVec
	FlashLoanFees   *prometheus.CounterVec

	// --- Positions ---
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations       *prometheus.CounterVec
	LiquidationBonus   *prometheus.CounterVec
	BadDebt            *prometheus.CounterVec
	SocializedLoss     *prometheus.CounterVec
	BatchLiquidateSize prometheus.Histogram

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer in the service, a fresh registry in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_events_rejected_total",
			Help: "Commands rejected (duplicate, authorization, validation, health...)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lever_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_records_emitted_total",
			Help: "Observability records emitted on commit",
		}, []string{"record_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lever_ingest_to_apply_seconds",
			Help:    "Submit to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lever_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Pool
		PoolDeposits: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_pool_total_deposits",
			Help: "Pool deposits including accrued supplier interest",
		}, []string{"asset"}),

		PoolBorrowed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_pool_total_borrowed",
			Help: "Pool debt including accrued interest",
		}, []string{"asset"}),

		PoolReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_pool_insurance_reserve",
			Help: "Insurance reserve available to cover bad debt",
		}, []string{"asset"}),

		PoolUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_pool_utilization",
			Help: "Borrowed / deposits (0.0-1.0)",
		}, []string{"asset"}),

		InterestAccrued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_pool_interest_accrued_total",
			Help: "Interest accrued on pool debt (base units)",
		}, []string{"asset"}),

		FlashLoans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_flash_loans_total",
			Help: "Flash loans repaid",
		}, []string{"asset"}),

		FlashLoanFees: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_flash_loan_fees_total",
			Help: "Flash loan fees credited to depositors (base units)",
		}, []string{"asset"}),

		// Positions
		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_positions_opened_total",
			Help: "Leveraged positions opened",
		}, []string{"asset"}),

		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_positions_closed_total",
			Help: "Leveraged positions closed by their owner",
		}, []string{"asset"}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"asset", "outcome"}),

		LiquidationBonus: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_liquidation_bonus_total",
			Help: "Bonus paid to liquidators (base units)",
		}, []string{"asset"}),

		BadDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_bad_debt_total",
			Help: "Debt written off (base units)",
		}, []string{"asset"}),

		SocializedLoss: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_socialized_loss_total",
			Help: "Bad debt not covered by the reserve and taken from depositors",
		}, []string{"asset"}),

		BatchLiquidateSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_batch_liquidate_size",
			Help:    "Positions requested per batch liquidation",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lever_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
