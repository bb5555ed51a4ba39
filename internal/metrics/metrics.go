// Package metrics defines the Prometheus instrumentation for the
// trading engine and serves the operational HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels. Label values outside
// these sets must be normalized before recording.
const (
	// Rejection reasons emitted by the risk gatekeeper (bounded set).
	ReasonMarketClosed   = "market_closed"
	ReasonStaleData      = "stale_data"
	ReasonMaxDrawdown    = "max_drawdown"
	ReasonIntraCorr      = "intra_correlation"
	ReasonVarExceeded    = "var_exceeded"
	ReasonCrossCorr      = "cross_correlation"
	ReasonConcentration  = "concentration"
	ReasonLeverage       = "leverage"
	ReasonLowConfHighVol = "low_confidence_high_vol"
	ReasonOther          = "other"
)

// Decision pipeline metrics.
var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_decisions_total",
		Help: "Decisions produced by the aggregator, by action and strategy",
	}, []string{"action", "strategy"})

	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_provider_errors_total",
		Help: "Provider failures during ensemble fan-out",
	}, []string{"provider"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketmind_provider_latency_seconds",
		Help:    "Provider decision latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	QuorumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketmind_quorum_failures_total",
		Help: "Ensemble cycles that fell below the provider quorum",
	})

	EnsembleWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketmind_ensemble_weight",
		Help: "Current ensemble weight per provider",
	}, []string{"provider"})
)

// Risk gatekeeper metrics.
var (
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_risk_rejections_total",
		Help: "Decisions rejected by the risk gatekeeper, by reason and asset class",
	}, []string{"reason", "asset_class"})

	RiskApprovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_risk_approvals_total",
		Help: "Decisions approved by the risk gatekeeper, by asset class",
	}, []string{"asset_class"})

	CrossCorrelationWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketmind_cross_correlation_warnings_total",
		Help: "Warn-only cross-platform correlation breaches",
	})
)

// Circuit breaker metrics.
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketmind_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"name"})

	BreakerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_breaker_calls_total",
		Help: "Calls through the circuit breaker, by result (success, failure, rejected_open)",
	}, []string{"name", "result"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"name", "from", "to"})
)

// Trade monitor metrics.
var (
	OpenTrackers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketmind_open_trackers",
		Help: "Number of active position trackers",
	})

	TrackerRefusals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketmind_tracker_refusals_total",
		Help: "Attach attempts refused at tracker capacity",
	})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_trades_closed_total",
		Help: "Trades closed, by cause",
	}, []string{"cause"})

	PortfolioPnLFraction = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketmind_portfolio_pnl_fraction",
		Help: "Portfolio unrealized P&L as a fraction of initial equity",
	})

	KillSwitchTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketmind_kill_switch_triggered_total",
		Help: "Portfolio kill switch activations",
	})
)

// Loop agent metrics.
var (
	AgentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_agent_transitions_total",
		Help: "OODA state machine transitions",
	}, []string{"from", "event", "to"})

	TradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketmind_trades_executed_total",
		Help: "Orders successfully executed",
	})

	DailyTradeCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketmind_daily_trade_count",
		Help: "Trades executed in the current calendar day",
	})
)

// Decision store metrics.
var (
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmind_store_writes_total",
		Help: "Decision store writes, by kind (save, append, backup)",
	}, []string{"kind"})
)
