package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Claim pipeline counters and histograms, partitioned by source/purpose.

var (
	// Claim processor
	ClaimsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "claims",
		Name:      "processed_total",
		Help:      "Total claim processing outcomes by terminal status",
	}, []string{"source", "status"})

	ClaimsRetriesScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "claims",
		Name:      "retries_scheduled_total",
		Help:      "Total retry callbacks scheduled",
	}, []string{"source", "reason"})

	ClaimsDuplicateRacesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "claims",
		Name:      "duplicate_races_total",
		Help:      "Total post-transfer duplicate races detected (auto-ban path)",
	}, []string{"source"})

	ClaimsProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "claimd",
		Subsystem: "claims",
		Name:      "processing_duration_seconds",
		Help:      "End-to-end claim processing duration per callback",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
	}, []string{"source", "status"})

	ClaimsTransferAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "claimd",
		Subsystem: "claims",
		Name:      "transfer_attempts",
		Help:      "Inner transfer attempts consumed per successful claim",
		Buckets:   []float64{1, 2, 3},
	}, []string{"source"})

	// Wallet pool
	WalletAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "wallet",
		Name:      "acquire_total",
		Help:      "Total wallet pool acquisition attempts",
	}, []string{"purpose", "outcome"})

	WalletLockedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "wallet",
		Name:      "locked",
		Help:      "Currently locked wallets per purpose (sampled by pool status)",
	}, []string{"purpose"})

	WalletNativeBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "wallet",
		Name:      "native_balance_wei",
		Help:      "Native balance of each configured wallet in wei",
	}, []string{"purpose", "address"})

	WalletTokenBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "wallet",
		Name:      "token_balance_whole",
		Help:      "Reward token balance of each configured wallet in whole tokens",
	}, []string{"purpose", "address"})

	FundingSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "wallet",
		Name:      "funding_sweeps_total",
		Help:      "Total funding monitor sweeps executed",
	}, []string{"outcome"})

	// Chain client
	ChainTxSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "chain",
		Name:      "tx_sent_total",
		Help:      "Total transactions broadcast by kind",
	}, []string{"kind"})

	ChainTxErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "chain",
		Name:      "tx_errors_total",
		Help:      "Total transaction errors by classification",
	}, []string{"kind", "class"})

	ChainGasPriceWei = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "chain",
		Name:      "gas_price_wei",
		Help:      "Last suggested gas price observed",
	}, []string{"chain_id"})

	ChainReceiptWaitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "claimd",
		Subsystem: "chain",
		Name:      "receipt_wait_duration_seconds",
		Help:      "Time spent waiting for transaction receipts",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	// Scoring oracle
	ScoringRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "scoring",
		Name:      "requests_total",
		Help:      "Total identity score lookups by outcome",
	}, []string{"outcome"})

	ScoringCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "scoring",
		Name:      "cache_hits_total",
		Help:      "Total score cache hits",
	}, []string{})

	ScoringCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "scoring",
		Name:      "cache_misses_total",
		Help:      "Total score cache misses",
	}, []string{})

	ScoringBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "scoring",
		Name:      "breaker_state",
		Help:      "Scoring circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{})

	ScoringFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "scoring",
		Name:      "fallbacks_total",
		Help:      "Total claims that fell back to default amounts",
	}, []string{"source"})

	// Delayed queue
	QueuePublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "queue",
		Name:      "published_total",
		Help:      "Total delayed queue messages published",
	}, []string{"outcome"})

	QueueSignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "queue",
		Name:      "signature_failures_total",
		Help:      "Total callback requests rejected for bad signatures",
	}, []string{})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	})

	DBPoolWaitDurationSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "postgres",
		Name:      "db_pool_wait_duration_seconds",
		Help:      "Latest PostgreSQL pool wait duration in seconds",
	})

	// Processor health
	ProcessorHealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "health",
		Name:      "status",
		Help:      "Processor health status (0=UNKNOWN, 1=HEALTHY, 2=UNHEALTHY, 3=INACTIVE)",
	})

	ProcessorConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimd",
		Subsystem: "health",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive claim processing failures",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimd",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
