package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpRisk.
// Every consumer treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	// --- Oracle ---
	OracleAggregations *prometheus.CounterVec
	OracleSourceErrors *prometheus.CounterVec
	OracleFetchLatency *prometheus.HistogramVec
	OracleSurvivors    *prometheus.HistogramVec
	OracleDivergence   *prometheus.CounterVec
	OracleQuotesIngest *prometheus.CounterVec

	// --- Positions & margin ---
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	StaleStateRejects prometheus.Counter
	IdempotentReplays prometheus.Counter
	OpenInterest      *prometheus.GaugeVec

	// --- Funding ---
	FundingEpochsRecorded *prometheus.CounterVec
	FundingEpochsMissed   *prometheus.CounterVec
	FundingRate           *prometheus.GaugeVec
	FundingUnpaid         *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations         *prometheus.CounterVec
	LiquidatedNotional   *prometheus.CounterVec
	InsuranceDraws       *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge
	SocializedLoss       *prometheus.CounterVec
	DeleverageActions    *prometheus.CounterVec

	// --- Circuit breaker ---
	CircuitTrips   *prometheus.CounterVec
	CircuitTripped *prometheus.GaugeVec

	// --- Outbox & persistence ---
	OutboxDepth         prometheus.Gauge
	OutboxDropped       prometheus.Counter
	IntentsPublished    *prometheus.CounterVec
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	fetchBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
		0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		// Oracle
		OracleAggregations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_aggregations_total",
			Help: "Price aggregations by outcome (valid, fallback, invalid, timeout)",
		}, []string{"asset", "result"}),

		OracleSourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_source_errors_total",
			Help: "Source fetch failures",
		}, []string{"source", "kind"}),

		OracleFetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_oracle_fetch_duration_seconds",
			Help:    "Per-source quote fetch latency",
			Buckets: fetchBuckets,
		}, []string{"source"}),

		OracleSurvivors: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_oracle_surviving_quotes",
			Help:    "Quotes surviving all filters",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 7, 10},
		}, []string{"asset"}),

		OracleDivergence: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_divergence_total",
			Help: "Hard divergence between the two most authoritative sources",
		}, []string{"asset"}),

		OracleQuotesIngest: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_quotes_ingested_total",
			Help: "Quotes received from the feed by outcome (accepted, stale, invalid)",
		}, []string{"source", "result"}),

		// Positions & margin
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_operations_total",
			Help: "Risk operations by type and result kind",
		}, []string{"op", "result"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_operation_duration_seconds",
			Help:    "Time spent in a risk operation, including price aggregation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		StaleStateRejects: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_stale_state_total",
			Help: "Mutations rejected by an expected-version mismatch",
		}),

		IdempotentReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_idempotent_replays_total",
			Help: "Requests answered from the idempotency cache",
		}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_open_interest_base",
			Help: "Open interest per market and side in base units",
		}, []string{"market", "side"}),

		// Funding
		FundingEpochsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_epochs_recorded_total",
			Help: "Funding epochs recorded",
		}, []string{"market"}),

		FundingEpochsMissed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_epochs_missed_total",
			Help: "Funding epochs backfilled with a zero rate",
		}, []string{"market"}),

		FundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_funding_rate",
			Help: "Last recorded funding rate",
		}, []string{"market"}),

		FundingUnpaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_unpaid_total",
			Help: "Funding payments that could not be collected in full",
		}, []string{"market"}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Liquidations by market and kind (partial, full, bad_debt)",
		}, []string{"market", "kind"}),

		LiquidatedNotional: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidated_notional_total",
			Help: "Liquidated notional in quote units",
		}, []string{"market"}),

		InsuranceDraws: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_insurance_draws_total",
			Help: "Insurance fund draws",
		}, []string{"market"}),

		InsuranceFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_insurance_fund_balance",
			Help: "Insurance fund balance in quote units",
		}),

		SocializedLoss: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_socialized_loss_events_total",
			Help: "Deficits booked to socialized loss",
		}, []string{"market"}),

		DeleverageActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_deleverage_actions_total",
			Help: "Auto-deleverage actions by state transition",
		}, []string{"market", "state"}),

		// Circuit breaker
		CircuitTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_circuit_trips_total",
			Help: "Circuit breaker trips by reason",
		}, []string{"market", "reason"}),

		CircuitTripped: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_circuit_tripped",
			Help: "1 while the market circuit is tripped",
		}, []string{"market"}),

		// Outbox & persistence
		OutboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_outbox_depth",
			Help: "Intent batches waiting to be persisted and published",
		}),

		OutboxDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_outbox_publish_dropped_total",
			Help: "Intent batches not delivered to the publisher because it was full",
		}),

		IntentsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_intents_published_total",
			Help: "Intent batches published to NATS",
		}, []string{"type", "result"}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Intent batches per database write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Database write latency per flush",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted intent sequence",
		}),

		// API
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_api_request_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
	}
}
