package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing service.
type Metrics struct {
	// --- Engine ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// --- Markets ---
	MarkPrice       *prometheus.GaugeVec
	FundingRate     *prometheus.GaugeVec
	OpenInterest    *prometheus.GaugeVec
	FeePoolBalance  *prometheus.GaugeVec
	PnlPoolBalance  *prometheus.GaugeVec
	RevenuePool     prometheus.Gauge
	MarketsSettled  prometheus.Counter
	PoolsSwept      prometheus.Counter
	ExpiryPriceCaps prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDropped      prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Ingestion ---
	IngestToApply   *prometheus.HistogramVec
	NATSPullLatency *prometheus.HistogramVec
	ParseErrors     *prometheus.CounterVec

	// --- Persistence ---
	PersistRecordsWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_ops_applied_total",
			Help: "State transitions successfully committed by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_ops_rejected_total",
			Help: "Transitions rejected (guard rail, stale oracle, admission)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_op_duration_seconds",
			Help:    "Time to apply a single transition in the engine",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		// Markets
		MarkPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_mark_price",
			Help: "Current AMM mark price (price precision units)",
		}, []string{"market"}),

		FundingRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_funding_rate",
			Help: "Last computed per-interval funding rate",
		}, []string{"market"}),

		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_open_interest",
			Help: "Sum of absolute position base per market",
		}, []string{"market"}),

		FeePoolBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_fee_pool_balance",
			Help: "Market fee pool balance (quote units)",
		}, []string{"market"}),

		PnlPoolBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_pnl_pool_balance",
			Help: "Market pnl pool balance (quote units)",
		}, []string{"market"}),

		RevenuePool: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_revenue_pool_balance",
			Help: "Shared revenue pool balance (quote units)",
		}),

		MarketsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_markets_settled_total",
			Help: "Markets that entered Settlement",
		}),

		PoolsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_pools_swept_total",
			Help: "Residual pool sweeps completed",
		}),

		ExpiryPriceCaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_expiry_price_caps_total",
			Help: "Settlements whose expiry price was capped by pool capacity",
		}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Ingestion
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"instruction"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		ParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_parse_errors_total",
			Help: "Malformed instructions rejected before the engine",
		}, []string{"instruction"}),

		// Persistence
		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_records_written_total",
			Help: "Records written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_retry_total",
			Help: "Persistence retries",
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
