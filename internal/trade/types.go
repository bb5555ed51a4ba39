// Package trade holds the domain types shared across the decision
// pipeline: decisions, positions, portfolio snapshots and trade outcomes.
package trade

import (
	"time"

	"github.com/google/uuid"
)

// Action is the proposed direction of a decision.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// AssetClass groups assets by venue behaviour (trading hours, staleness tolerance).
type AssetClass string

const (
	AssetClassCrypto AssetClass = "crypto"
	AssetClassForex  AssetClass = "forex"
	AssetClassEquity AssetClass = "equity"
)

// MaxStaleness returns how old market data may be before it must not
// drive a live decision for this asset class.
func (c AssetClass) MaxStaleness() time.Duration {
	switch c {
	case AssetClassCrypto:
		return 15 * time.Minute
	case AssetClassForex:
		return 5 * time.Minute
	case AssetClassEquity:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// Is24x7 reports whether the asset class trades around the clock.
func (c AssetClass) Is24x7() bool {
	return c == AssetClassCrypto
}

// ProviderDecision is a single provider's contribution to an ensemble.
type ProviderDecision struct {
	ProviderName string  `json:"provider_name"`
	Action       Action  `json:"action"`
	Confidence   float64 `json:"confidence"` // 0-100
	Reasoning    string  `json:"reasoning"`
	LatencyMS    int64   `json:"latency_ms"`
	Err          string  `json:"error,omitempty"`
}

// Errored reports whether the provider failed this cycle.
func (d ProviderDecision) Errored() bool {
	return d.Err != ""
}

// Decision is a proposed action for one asset, as produced by the
// aggregator. Once persisted only the Outcome sub-record may be added.
type Decision struct {
	ID            uuid.UUID  `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	Asset         string     `json:"asset"`
	AssetClass    AssetClass `json:"asset_class"`
	Action        Action     `json:"action"`
	Confidence    float64    `json:"confidence"` // 0-100
	Reasoning     string     `json:"reasoning"`
	SuggestedSize float64    `json:"suggested_size"`
	StopLossPct   float64    `json:"stop_loss_pct"`
	TakeProfitPct float64    `json:"take_profit_pct"`

	// Provider attribution and ensemble bookkeeping.
	Providers []ProviderDecision     `json:"provider_attribution,omitempty"`
	Ensemble  map[string]interface{} `json:"ensemble_metadata,omitempty"`

	// Risk gate result, filled in after validation.
	Approved        bool   `json:"approved"`
	RejectionReason string `json:"rejection_reason,omitempty"`

	// Outcome is appended after the resulting trade closes.
	Outcome *Outcome `json:"outcome,omitempty"`
}

// CloseCause says what terminated a trade.
type CloseCause string

const (
	CloseStopLoss   CloseCause = "stop_loss"
	CloseTakeProfit CloseCause = "take_profit"
	CloseSignal     CloseCause = "signal"
	CloseManual     CloseCause = "manual"
	CloseKillSwitch CloseCause = "portfolio_kill_switch"
)

// Outcome is the terminal record of a closed trade.
type Outcome struct {
	PositionID  string     `json:"position_id"`
	DecisionID  uuid.UUID  `json:"decision_id"`
	ExitPrice   float64    `json:"exit_price"`
	ExitTime    time.Time  `json:"exit_time"`
	RealizedPnL float64    `json:"realized_pnl"`
	ClosedBy    CloseCause `json:"closed_by"`
	Regime      string     `json:"regime,omitempty"`
}

// Position is an open position as reported by a platform adapter.
type Position struct {
	ID         string    `json:"id"`
	Asset      string    `json:"asset"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Size       float64   `json:"size"`
	MarkPrice  float64   `json:"mark_price"`
	EntryTime  time.Time `json:"entry_time"`
}

// UnrealizedPnL computes mark-to-market P&L for the position.
func (p Position) UnrealizedPnL() float64 {
	diff := p.MarkPrice - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	return diff * p.Size
}

// Notional returns the entry notional value of the position.
func (p Position) Notional() float64 {
	return p.EntryPrice * p.Size
}

// PortfolioSnapshot is the per-cycle view of account state. Invariant:
// NAV = Cash + sum of mark-to-market position values.
type PortfolioSnapshot struct {
	Timestamp     time.Time          `json:"timestamp"`
	Cash          float64            `json:"cash"`
	Balances      map[string]float64 `json:"balances"`
	Positions     []Position         `json:"positions"`
	MarginUsed    float64            `json:"margin_used"`
	MarginFree    float64            `json:"margin_free"`
	RealizedPnL   float64            `json:"realized_pnl"`
	DrawdownPct   float64            `json:"drawdown_pct"`
	InitialEquity float64            `json:"initial_equity"`
}

// NAV is cash plus marked position value.
func (s PortfolioSnapshot) NAV() float64 {
	nav := s.Cash
	for _, p := range s.Positions {
		nav += p.MarkPrice * p.Size
	}
	return nav
}

// UnrealizedPnL aggregates open-position P&L.
func (s PortfolioSnapshot) UnrealizedPnL() float64 {
	total := 0.0
	for _, p := range s.Positions {
		total += p.UnrealizedPnL()
	}
	return total
}

// PnLFraction returns total P&L, unrealized plus realized, as a
// fraction of initial equity. Returns 0 when initial equity is unknown.
func (s PortfolioSnapshot) PnLFraction() float64 {
	if s.InitialEquity <= 0 {
		return 0
	}
	return (s.UnrealizedPnL() + s.RealizedPnL) / s.InitialEquity
}

// Order is a request to the platform adapter. ClientID makes Execute
// idempotent: the same ClientID must yield the same position.
type Order struct {
	ClientID   string    `json:"client_id"`
	DecisionID uuid.UUID `json:"decision_id"`
	Asset      string    `json:"asset"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
}

// Fill is the platform's confirmation of an executed order.
type Fill struct {
	PositionID  string    `json:"position_id"`
	FilledPrice float64   `json:"filled_price"`
	Fees        float64   `json:"fees"`
	FilledAt    time.Time `json:"filled_at"`
}
