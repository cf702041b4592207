package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Kill switch reasons (bounded set)
	ReasonDailyLoss      = "daily_loss"
	ReasonVIXSpike       = "vix_spike"
	ReasonReconciliation = "reconciliation"
	ReasonManualHalt     = "manual_halt"
	ReasonOther          = "other"

	// Broker API error categories (bounded set)
	BrokerErrorTimeout     = "timeout"
	BrokerErrorRateLimit   = "rate_limit"
	BrokerErrorAuth        = "authentication"
	BrokerErrorNetwork     = "network"
	BrokerErrorInvalidReq  = "invalid_request"
	BrokerErrorServerError = "server_error"
	BrokerErrorOther       = "other"
)

// NormalizeKillSwitchReason maps arbitrary reasons to bounded set
func NormalizeKillSwitchReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "daily") || strings.Contains(lower, "loss"):
		return ReasonDailyLoss
	case strings.Contains(lower, "vix") || strings.Contains(lower, "volatility"):
		return ReasonVIXSpike
	case strings.Contains(lower, "reconcil") || strings.Contains(lower, "drift"):
		return ReasonReconciliation
	case strings.Contains(lower, "manual") || strings.Contains(lower, "halt"):
		return ReasonManualHalt
	default:
		return ReasonOther
	}
}

// NormalizeBrokerError maps arbitrary error messages to bounded set
func NormalizeBrokerError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return BrokerErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return BrokerErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return BrokerErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return BrokerErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return BrokerErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return BrokerErrorServerError
	default:
		return BrokerErrorOther
	}
}

// Event Bus Metrics
var (
	// Events published by topic
	BusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_bus_events_total",
		Help: "Total number of events published to the bus by topic",
	}, []string{"topic"})

	// Handler errors by topic and handler name
	BusHandlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_bus_handler_errors_total",
		Help: "Total number of event handler errors by topic and handler",
	}, []string{"topic", "handler"})
)

// Signal Pipeline Metrics
var (
	// Articles claimed for interpretation
	ArticlesClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_articles_claimed_total",
		Help: "Total number of news articles claimed for interpretation",
	})

	// Articles fetched per source
	ArticlesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_articles_fetched_total",
		Help: "Total number of news articles fetched by source",
	}, []string{"source"})

	// News source fetch errors
	NewsSourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_news_source_errors_total",
		Help: "Total number of news source fetch failures by source",
	}, []string{"source"})

	// Signals suppressed as duplicates
	SignalsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_signals_deduped_total",
		Help: "Total number of signals suppressed by the dedup window",
	})

	// Signals suppressed for low confidence
	SignalsLowQuality = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_signals_low_quality_total",
		Help: "Total number of signals suppressed for low confidence",
	})

	// Signals emitted downstream
	SignalsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_signals_emitted_total",
		Help: "Total number of signals emitted to the execution path",
	})

	// Pipeline cycle duration
	PipelineCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warroom_pipeline_cycle_duration_ms",
		Help:    "Signal pipeline cycle duration in milliseconds",
		Buckets: []float64{250, 500, 1000, 2500, 5000, 15000, 30000, 60000},
	})

	// Unprocessed article backlog
	ArticlesBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_articles_backlog",
		Help: "Number of fetched articles not yet interpreted",
	})
)

// War Room Metrics
var (
	// Deliberation latency
	DeliberationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warroom_deliberation_duration_ms",
		Help:    "War room deliberation duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 15000},
	})

	// Final verdicts by type
	DeliberationVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_deliberation_verdicts_total",
		Help: "Total number of deliberation verdicts by type",
	}, []string{"verdict"})

	// Agent opinions by agent and action
	AgentOpinions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_agent_opinions_total",
		Help: "Total number of agent opinions by agent and action",
	}, []string{"agent", "action"})

	// Agent opinion confidence
	AgentOpinionConfidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warroom_agent_opinion_confidence",
		Help: "Most recent opinion confidence by agent (0.0 to 1.0)",
	}, []string{"agent"})

	// Agent timeouts
	AgentTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_agent_timeouts_total",
		Help: "Total number of agent deliberation timeouts by agent",
	}, []string{"agent"})

	// Current influence weight per agent
	AgentWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warroom_agent_weight",
		Help: "Current influence weight by agent (0.0 to 1.0)",
	}, []string{"agent"})
)

// Order Metrics
var (
	// State transitions by from/to state
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_order_transitions_total",
		Help: "Total number of order state transitions by from and to state",
	}, []string{"from", "to"})

	// Validation failures by rule
	OrderValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_order_validation_failures_total",
		Help: "Total number of order validation failures by rule",
	}, []string{"rule"})

	// Orders flagged for manual review
	OrdersFlaggedForReview = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_orders_flagged_for_review_total",
		Help: "Total number of orders flagged for manual review",
	})

	// Orders currently in each state
	OrdersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warroom_orders_by_state",
		Help: "Number of orders currently in each state",
	}, []string{"state"})

	// Order execution latency
	OrderExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warroom_order_execution_latency_ms",
		Help:    "Order execution latency in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000},
	})
)

// Risk Metrics
var (
	// Risk decisions by route and verdict
	RiskDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_risk_decisions_total",
		Help: "Total number of risk decisions by route and verdict",
	}, []string{"route", "verdict"})

	// Kill switch status (1 = engaged, 0 = disengaged)
	KillSwitchStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_kill_switch_status",
		Help: "Kill switch status (1 = engaged, 0 = disengaged)",
	})

	// Kill switch engagements
	KillSwitchTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_kill_switch_trips_total",
		Help: "Total number of kill switch engagements by reason",
	}, []string{"reason"})

	// Circuit breaker status (0 = closed, 1 = half-open, 2 = open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warroom_circuit_breaker_state",
		Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
	}, []string{"breaker"})

	// Circuit breaker trips
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker open transitions by breaker",
	}, []string{"breaker"})
)

// Shadow Ledger Metrics
var (
	// Total equity (cash + open position value)
	ShadowEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_shadow_equity",
		Help: "Shadow ledger total equity in USD",
	})

	// Free cash
	ShadowCash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_shadow_cash",
		Help: "Shadow ledger free cash in USD",
	})

	// Open positions
	ShadowOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_shadow_open_positions",
		Help: "Number of currently open shadow positions",
	})

	// Realized P&L
	ShadowRealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_shadow_realized_pnl",
		Help: "Shadow ledger realized profit and loss in USD",
	})

	// Win rate (0.0 to 1.0)
	ShadowWinRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_shadow_win_rate",
		Help: "Shadow ledger win rate as a ratio (0.0 to 1.0)",
	})

	// Max drawdown (0.0 to 1.0)
	ShadowMaxDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_shadow_max_drawdown",
		Help: "Shadow ledger maximum drawdown as a ratio (0.0 to 1.0)",
	})

	// Sharpe ratio
	ShadowSharpeRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_shadow_sharpe_ratio",
		Help: "Shadow ledger annualized Sharpe ratio",
	})

	// Position value by ticker
	PositionValueByTicker = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warroom_position_value_by_ticker",
		Help: "Open position value in USD by ticker",
	}, []string{"ticker"})

	// Stop-loss triggers
	StopLossTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_stop_loss_triggers_total",
		Help: "Total number of stop-loss triggers",
	})
)

// Verification and Learning Metrics
var (
	// Verification jobs processed by horizon and status
	VerificationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_verification_jobs_total",
		Help: "Total number of verification jobs processed by horizon and status",
	}, []string{"horizon", "status"})

	// Accuracy score distribution by horizon
	VerificationAccuracy = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warroom_verification_accuracy",
		Help:    "Distribution of prediction accuracy scores by horizon",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	}, []string{"horizon"})

	// Weight adjustment runs
	WeightAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_weight_adjustments_total",
		Help: "Total number of agent weight adjustments by outcome",
	}, []string{"outcome"})
)

// System Health Metrics
var (
	// Database connections
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_database_connections_idle",
		Help: "Number of idle database connections",
	})

	// Database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warroom_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	// Price cache
	PriceCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_price_cache_hits_total",
		Help: "Total number of market data cache hits",
	})

	PriceCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_price_cache_misses_total",
		Help: "Total number of market data cache misses",
	})

	// Market data fetch latency
	PriceFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warroom_price_fetch_latency_ms",
		Help:    "Market data provider fetch latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 3000},
	})

	// LLM requests by outcome
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_llm_requests_total",
		Help: "Total number of LLM requests by outcome",
	}, []string{"outcome"})

	// LLM request duration
	LLMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warroom_llm_request_duration_ms",
		Help:    "LLM request duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000},
	})

	// Broker API latency
	BrokerAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warroom_broker_api_latency_ms",
		Help:    "Broker API latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"endpoint"})

	// Broker API errors
	BrokerAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_broker_api_errors_total",
		Help: "Total broker API errors by category",
	}, []string{"error_type"})

	// Errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})
)

// Scheduler Metrics
var (
	// Job runs by job and status
	SchedulerJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_scheduler_job_runs_total",
		Help: "Total number of scheduled job runs by job and status",
	}, []string{"job", "status"})

	// Job skips due to overlap
	SchedulerJobSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_scheduler_job_skips_total",
		Help: "Total number of scheduled job runs skipped because the previous run was still active",
	}, []string{"job"})

	// Jobs currently paused (1 = paused)
	SchedulerJobPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warroom_scheduler_job_paused",
		Help: "Scheduled job paused status (1 = paused, 0 = running)",
	}, []string{"job"})

	// Job duration
	SchedulerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warroom_scheduler_job_duration_ms",
		Help:    "Scheduled job duration in milliseconds",
		Buckets: []float64{50, 250, 1000, 5000, 15000, 60000, 300000},
	}, []string{"job"})
)

// Recovery Metrics
var (
	// Orders reconciled against the broker by outcome
	RecoveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_recovery_outcomes_total",
		Help: "Total number of orders reconciled against broker state by outcome",
	}, []string{"outcome"})
)

// Audit Metrics
var (
	// Audit events recorded by topic and severity
	AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_audit_events_total",
		Help: "Total number of audit events recorded by topic and severity",
	}, []string{"topic", "severity"})

	// Audit write failures
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_audit_write_failures_total",
		Help: "Total number of audit trail write failures",
	})

	// Audit write latency
	AuditWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warroom_audit_write_latency_ms",
		Help:    "Audit trail write latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})
)

// Helper functions to update metrics

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordAgentOpinion records an agent opinion
func RecordAgentOpinion(agent, action string, confidence float64) {
	AgentOpinions.WithLabelValues(agent, action).Inc()
	AgentOpinionConfidence.WithLabelValues(agent).Set(confidence)
}

// RecordVerdict records a deliberation verdict
func RecordVerdict(verdict string, durationMs float64) {
	DeliberationVerdicts.WithLabelValues(verdict).Inc()
	DeliberationDuration.Observe(durationMs)
}

// RecordOrderTransition records an order state transition
func RecordOrderTransition(from, to string) {
	OrderTransitions.WithLabelValues(from, to).Inc()
}

// RecordRiskDecision records a risk routing decision
func RecordRiskDecision(route, verdict string) {
	RiskDecisions.WithLabelValues(route, verdict).Inc()
}

// SetKillSwitch updates kill switch status and records the trip reason
func SetKillSwitch(engaged bool, reason string) {
	if engaged {
		KillSwitchStatus.Set(1)
		KillSwitchTrips.WithLabelValues(NormalizeKillSwitchReason(reason)).Inc()
	} else {
		KillSwitchStatus.Set(0)
	}
}

// SetCircuitBreakerState updates a circuit breaker state gauge
func SetCircuitBreakerState(breaker string, state float64) {
	CircuitBreakerState.WithLabelValues(breaker).Set(state)
}

// RecordBrokerAPICall records a broker API call with normalized error category
func RecordBrokerAPICall(endpoint string, durationMs float64, err error) {
	BrokerAPILatency.WithLabelValues(endpoint).Observe(durationMs)
	if err != nil {
		BrokerAPIErrors.WithLabelValues(NormalizeBrokerError(err)).Inc()
	}
}

// RecordLLMRequest records an LLM request outcome with duration
func RecordLLMRequest(outcome string, durationMs float64) {
	LLMRequests.WithLabelValues(outcome).Inc()
	LLMRequestDuration.Observe(durationMs)
}

// RecordAuditEvent records an audit trail write
func RecordAuditEvent(topic, severity string, durationMs float64) {
	AuditEvents.WithLabelValues(topic, severity).Inc()
	AuditWriteLatency.Observe(durationMs)
}
