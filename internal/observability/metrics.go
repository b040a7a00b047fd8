package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for PerpSettle. Collectors are
// registered on the supplied registry so tests can use a private one.
type Metrics struct {
	// --- Calls ---
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	CallsRejected *prometheus.CounterVec
	EventsEmitted *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Pool ---
	PoolValue       prometheus.Gauge
	PoolBaseBalance prometheus.Gauge
	PoolSkewRatio   prometheus.Gauge
	PoolLPSupply    prometheus.Gauge
	PairSkew        *prometheus.GaugeVec
	PairsFired      *prometheus.CounterVec

	// --- Fees & rewards ---
	FeesCollected *prometheus.CounterVec
	KeeperRewards *prometheus.CounterVec
	ProtocolBurns prometheus.Counter

	// --- Risk ---
	Liquidations    *prometheus.CounterVec
	PoolLoss        prometheus.Counter
	AutoDeleverages prometheus.Counter

	// --- Persistence & fan-out ---
	CommitDuration  prometheus.Histogram
	CommitConflicts prometheus.Counter
	PublishDrops    prometheus.Counter
	PublishErrors   prometheus.Counter
	Published       *prometheus.CounterVec

	// --- Ingestion ---
	PriceUpdates   *prometheus.CounterVec
	KeeperCommands *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	callBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		CallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_calls_total",
			Help: "Entry point calls by result",
		}, []string{"op", "result"}),

		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_call_duration_seconds",
			Help:    "Entry point latency including commit",
			Buckets: callBuckets,
		}, []string{"op"}),

		CallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_calls_rejected_total",
			Help: "Rejected calls by error kind",
		}, []string{"op", "kind"}),

		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_events_total",
			Help: "Committed events by type",
		}, []string{"event_type"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_idempotency_duplicates_total",
			Help: "Calls skipped as duplicates, by lookup tier",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		PoolValue: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_pool_value",
			Help: "Pool value in base units after the last commit",
		}),

		PoolBaseBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_pool_base_balance",
			Help: "Custodied base balance of the pool",
		}),

		PoolSkewRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_pool_skew_ratio",
			Help: "|skew| / pool value",
		}),

		PoolLPSupply: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_pool_lp_supply",
			Help: "Outstanding pool shares",
		}),

		PairSkew: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_settle_pair_skew",
			Help: "Signed skew per pair in base units",
		}, []string{"pair"}),

		PairsFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_pairs_fired_total",
			Help: "Pair updates that earned a keeper reward",
		}, []string{"pair"}),

		FeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_fees_total",
			Help: "Fees charged by destination, base units",
		}, []string{"destination"}),

		KeeperRewards: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_keeper_rewards_total",
			Help: "Keeper rewards paid, base units",
		}, []string{"reason"}),

		ProtocolBurns: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_protocol_burned_total",
			Help: "Protocol fee balance burned, base units",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_liquidations_total",
			Help: "Liquidations by mode",
		}, []string{"mode"}),

		PoolLoss: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_pool_loss_total",
			Help: "Uninsured losses absorbed by the pool, base units",
		}),

		AutoDeleverages: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_adl_total",
			Help: "Positions closed by auto-deleverage",
		}),

		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_settle_commit_duration_seconds",
			Help:    "Store commit duration",
			Buckets: callBuckets,
		}),

		CommitConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_commit_conflicts_total",
			Help: "Calls rolled back on serialization conflicts",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_publish_drops_total",
			Help: "Committed events dropped due to a full publish channel",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_publish_errors_total",
			Help: "Events that failed to publish to JetStream",
		}),

		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_published_total",
			Help: "Events published to JetStream by type",
		}, []string{"event_type"}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_price_updates_total",
			Help: "Signed price updates received, by result",
		}, []string{"result"}),

		KeeperCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_keeper_commands_total",
			Help: "Keeper commands consumed from NATS, by op and result",
		}, []string{"op", "result"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: callBuckets,
		}, []string{"endpoint"}),
	}
}
