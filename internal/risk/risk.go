// Package risk validates proposed decisions against layered portfolio
// constraints. The gatekeeper is a pure validator: metrics and logs are
// its only side effects.
package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/metrics"
	"github.com/marketmind/marketmind/internal/trade"
)

// Cross-correlation handling modes.
const (
	CrossModeWarn  = "warn"
	CrossModeBlock = "block"
)

// Context carries everything the gatekeeper needs for one validation.
type Context struct {
	Market    *market.Context
	Portfolio trade.PortfolioSnapshot

	// Returns holds recent per-asset return series used for the
	// correlation and VaR layers. Missing series skip those checks for
	// the affected pair.
	Returns map[string][]float64

	// CrossPlatformAssets lists assets held on other platforms.
	CrossPlatformAssets []string

	Now time.Time
}

// Gatekeeper evaluates the validation layers in order; first failure wins.
type Gatekeeper struct {
	cfg config.RiskConfig
	log zerolog.Logger
}

// New creates a gatekeeper.
func New(cfg config.RiskConfig) *Gatekeeper {
	return &Gatekeeper{cfg: cfg, log: config.NewLogger("risk")}
}

// A layer check returns ok, or the rejection label (a metrics.Reason*
// constant) plus optional human detail.
type layer func(*trade.Decision, *Context) (ok bool, label, detail string)

// Validate returns (approved, reason). It never mutates the decision.
func (g *Gatekeeper) Validate(d *trade.Decision, rc *Context) (bool, string) {
	if rc.Now.IsZero() {
		rc.Now = time.Now()
	}

	// HOLD proposes no trade; nothing to validate.
	if d.Action == trade.ActionHold {
		return true, ""
	}

	layers := []layer{
		g.checkMarketHours,
		g.checkFreshness,
		g.checkDrawdown,
		g.checkIntraCorrelation,
		g.checkVaR,
		g.checkCrossCorrelation,
		g.checkExposure,
		g.checkVolatilityConfidence,
	}

	for _, check := range layers {
		ok, label, detail := check(d, rc)
		if ok {
			continue
		}
		reason := label
		if detail != "" {
			reason = fmt.Sprintf("%s(%s)", label, detail)
		}
		metrics.RiskRejections.WithLabelValues(label, string(d.AssetClass)).Inc()
		g.log.Warn().
			Str("asset", d.Asset).
			Str("action", string(d.Action)).
			Str("reason", reason).
			Str("decision_id", d.ID.String()).
			Msg("Decision rejected")
		return false, reason
	}

	metrics.RiskApprovals.WithLabelValues(string(d.AssetClass)).Inc()
	g.log.Info().
		Str("asset", d.Asset).
		Str("action", string(d.Action)).
		Float64("confidence", d.Confidence).
		Str("decision_id", d.ID.String()).
		Msg("Decision approved")
	return true, ""
}

func (g *Gatekeeper) checkMarketHours(d *trade.Decision, rc *Context) (bool, string, string) {
	if d.AssetClass.Is24x7() {
		return true, "", ""
	}
	if venueOpen(d.AssetClass, rc.Now) {
		return true, "", ""
	}
	return false, metrics.ReasonMarketClosed, ""
}

func (g *Gatekeeper) checkFreshness(d *trade.Decision, rc *Context) (bool, string, string) {
	if rc.Market == nil {
		return false, metrics.ReasonStaleData, "no market context"
	}
	age := rc.Market.Age(rc.Now)
	if age <= d.AssetClass.MaxStaleness() {
		return true, "", ""
	}
	return false, metrics.ReasonStaleData, age.Round(time.Second).String()
}

func (g *Gatekeeper) checkDrawdown(d *trade.Decision, rc *Context) (bool, string, string) {
	if rc.Portfolio.PnLFraction() > -g.cfg.MaxDrawdownPct/100 {
		return true, "", ""
	}
	return false, metrics.ReasonMaxDrawdown, ""
}

// checkIntraCorrelation rejects when adding the proposed asset would
// yield max_correlated_count or more mutually correlated holdings on
// this platform.
func (g *Gatekeeper) checkIntraCorrelation(d *trade.Decision, rc *Context) (bool, string, string) {
	if g.cfg.MaxCorrelatedCount <= 0 {
		return true, "", ""
	}
	proposed, ok := rc.Returns[d.Asset]
	if !ok {
		return true, "", ""
	}

	correlated := 1 // the proposed position itself
	seen := map[string]bool{d.Asset: true}
	for _, p := range rc.Portfolio.Positions {
		if seen[p.Asset] {
			continue
		}
		seen[p.Asset] = true
		held, ok := rc.Returns[p.Asset]
		if !ok {
			continue
		}
		if corr := correlation(proposed, held); corr >= g.cfg.IntraCorrelationThreshold {
			correlated++
		}
	}
	if correlated >= g.cfg.MaxCorrelatedCount {
		return false, metrics.ReasonIntraCorr, fmt.Sprintf("%d correlated holdings", correlated)
	}
	return true, "", ""
}

func (g *Gatekeeper) checkVaR(d *trade.Decision, rc *Context) (bool, string, string) {
	if g.cfg.MaxVaRPct <= 0 {
		return true, "", ""
	}
	nav := rc.Portfolio.NAV()
	if nav <= 0 {
		return true, "", ""
	}
	v := portfolioVaR95(rc.Portfolio.Positions, proposedPosition(d, rc), nav, rc.Returns)
	if v <= g.cfg.MaxVaRPct/100 {
		return true, "", ""
	}
	return false, metrics.ReasonVarExceeded, fmt.Sprintf("%.2f%%", v*100)
}

func (g *Gatekeeper) checkCrossCorrelation(d *trade.Decision, rc *Context) (bool, string, string) {
	proposed, ok := rc.Returns[d.Asset]
	if !ok {
		return true, "", ""
	}
	for _, asset := range rc.CrossPlatformAssets {
		held, ok := rc.Returns[asset]
		if !ok {
			continue
		}
		corr := correlation(proposed, held)
		if corr < g.cfg.CrossCorrelationThreshold {
			continue
		}
		metrics.CrossCorrelationWarnings.Inc()
		g.log.Warn().
			Str("asset", d.Asset).
			Str("cross_asset", asset).
			Float64("correlation", corr).
			Str("mode", g.cfg.CrossCorrelationMode).
			Msg("Cross-platform correlation above threshold")
		if g.cfg.CrossCorrelationMode == CrossModeBlock {
			return false, metrics.ReasonCrossCorr, asset
		}
	}
	return true, "", ""
}

// checkExposure enforces position concentration and aggregate leverage.
func (g *Gatekeeper) checkExposure(d *trade.Decision, rc *Context) (bool, string, string) {
	nav := rc.Portfolio.NAV()
	if nav <= 0 {
		return true, "", ""
	}
	notional := proposedNotional(d, rc)
	if g.cfg.MaxPositionFraction > 0 && notional > g.cfg.MaxPositionFraction*nav {
		return false, metrics.ReasonConcentration, ""
	}
	if g.cfg.MaxLeverage > 0 {
		total := notional
		for _, p := range rc.Portfolio.Positions {
			total += p.Notional()
		}
		if total/nav > g.cfg.MaxLeverage {
			return false, metrics.ReasonLeverage, ""
		}
	}
	return true, "", ""
}

func (g *Gatekeeper) checkVolatilityConfidence(d *trade.Decision, rc *Context) (bool, string, string) {
	if g.cfg.HighVolThreshold <= 0 || rc.Market == nil {
		return true, "", ""
	}
	if rc.Market.Volatility > g.cfg.HighVolThreshold && d.Confidence < g.cfg.HighVolMinConfidence {
		return false, metrics.ReasonLowConfHighVol, ""
	}
	return true, "", ""
}

func proposedNotional(d *trade.Decision, rc *Context) float64 {
	price := 0.0
	if rc.Market != nil {
		price = rc.Market.LastPrice
	}
	return d.SuggestedSize * price
}

func proposedPosition(d *trade.Decision, rc *Context) trade.Position {
	side := trade.SideLong
	if d.Action == trade.ActionSell {
		side = trade.SideShort
	}
	price := 0.0
	if rc.Market != nil {
		price = rc.Market.LastPrice
	}
	return trade.Position{
		Asset:      d.Asset,
		Side:       side,
		EntryPrice: price,
		MarkPrice:  price,
		Size:       d.SuggestedSize,
	}
}

// venueOpen approximates the main session for non-24/7 venues, in UTC.
func venueOpen(class trade.AssetClass, now time.Time) bool {
	now = now.UTC()
	switch class {
	case trade.AssetClassForex:
		// Sunday 22:00 UTC through Friday 22:00 UTC.
		switch now.Weekday() {
		case time.Saturday:
			return false
		case time.Sunday:
			return now.Hour() >= 22
		case time.Friday:
			return now.Hour() < 22
		default:
			return true
		}
	case trade.AssetClassEquity:
		// NYSE regular session, 14:30-21:00 UTC, Monday-Friday.
		if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
			return false
		}
		mins := now.Hour()*60 + now.Minute()
		return mins >= 14*60+30 && mins < 21*60
	default:
		return true
	}
}
