// Package agent runs the autonomous observe-orient-decide-act loop:
// learn from closed trades, assemble market context, aggregate provider
// opinions, gate through risk and execute, with every state change
// drawn from an explicit transition table.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/ensemble"
	"github.com/marketmind/marketmind/internal/execution"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/memory"
	"github.com/marketmind/marketmind/internal/metrics"
	"github.com/marketmind/marketmind/internal/monitor"
	"github.com/marketmind/marketmind/internal/risk"
	"github.com/marketmind/marketmind/internal/store"
	"github.com/marketmind/marketmind/internal/trade"
)

// ErrUnknownApproval is returned when resolving an approval that is not
// pending.
var ErrUnknownApproval = errors.New("agent: no pending approval for decision")

// Notifier receives operator-facing events. The alerts package provides
// implementations.
type Notifier interface {
	Notify(ctx context.Context, event, message string)
}

// nopNotifier is used when no notifier is wired.
type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}

// returnsWindow caps how many per-bar returns are kept per asset for
// the VaR and correlation checks.
const returnsWindow = 500

// Deps are the collaborators the loop composes. All are required except
// Notifier.
type Deps struct {
	Builder    *market.Builder
	Aggregator *ensemble.Aggregator
	Gatekeeper *risk.Gatekeeper
	Sink       *execution.Sink
	Monitor    *monitor.Monitor
	Store      *store.Store
	Memory     *memory.Memory
	Notifier   Notifier
}

type queuedOutcome struct {
	decisionID uuid.UUID
	outcome    trade.Outcome
}

// Agent is the loop driver. It implements monitor.OutcomeSink (closed
// trades feed the learning phase) and metrics.StatusSource.
type Agent struct {
	log zerolog.Logger

	builder    *market.Builder
	aggregator *ensemble.Aggregator
	gatekeeper *risk.Gatekeeper
	sink       *execution.Sink
	monitor    *monitor.Monitor
	store      *store.Store
	memory     *memory.Memory
	notifier   Notifier

	initialEquity float64
	classes       map[string]trade.AssetClass

	mu          sync.Mutex
	cfg         config.AgentConfig
	state       State
	paused      bool
	killed      bool
	dailyTrades int
	tradeDay    time.Time
	queue       []queuedOutcome
	approvals   map[uuid.UUID]chan bool
	traded      map[string]bool
	returns     map[string][]float64
	cancel      context.CancelFunc

	now func() time.Time
}

// New assembles the agent. initialEquity anchors the kill switch and
// exposure math for the whole run.
func New(cfg config.AgentConfig, deps Deps, initialEquity float64) (*Agent, error) {
	if len(cfg.AssetPairs) == 0 {
		return nil, errors.New("agent: no asset pairs configured")
	}
	if deps.Builder == nil || deps.Aggregator == nil || deps.Gatekeeper == nil ||
		deps.Sink == nil || deps.Monitor == nil || deps.Store == nil || deps.Memory == nil {
		return nil, errors.New("agent: missing dependency")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	a := &Agent{
		log:           config.NewLogger("agent"),
		builder:       deps.Builder,
		aggregator:    deps.Aggregator,
		gatekeeper:    deps.Gatekeeper,
		sink:          deps.Sink,
		monitor:       deps.Monitor,
		store:         deps.Store,
		memory:        deps.Memory,
		notifier:      deps.Notifier,
		initialEquity: initialEquity,
		classes:       make(map[string]trade.AssetClass),
		cfg:           cfg,
		state:         StateIdle,
		approvals:     make(map[uuid.UUID]chan bool),
		traded:        make(map[string]bool),
		returns:       make(map[string][]float64),
		now:           time.Now,
	}
	for _, asset := range cfg.AssetPairs {
		a.classes[asset] = trade.AssetClassCrypto
	}
	a.seedTradedAssets()

	deps.Monitor.OnKillSwitch(func() {
		a.notifier.Notify(context.Background(), "kill_switch", "portfolio stop loss hit, all positions closed")
		a.Pause()
	})
	deps.Monitor.OnFatal(func(err error) {
		a.notifier.Notify(context.Background(), "close_failure", err.Error())
	})
	return a, nil
}

// SetAssetClass overrides the asset class for one pair. Defaults to crypto.
func (a *Agent) SetAssetClass(asset string, class trade.AssetClass) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.classes[asset] = class
}

// seedTradedAssets restores the on_new_asset approval memory from the
// decision store so a restart does not re-prompt for known assets.
func (a *Agent) seedTradedAssets() {
	approved := true
	decisions, err := a.store.List(store.Filter{Approved: &approved}, 0)
	if err != nil {
		a.log.Warn().Err(err).Msg("Could not seed traded assets from store")
		return
	}
	for _, d := range decisions {
		if d.Action != trade.ActionHold {
			a.traded[d.Asset] = true
		}
	}
}

// Run drives the loop until ctx is cancelled, Stop is called or the
// kill switch fires. It blocks.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	freq := a.cfg.AnalysisFrequency
	a.mu.Unlock()
	defer cancel()

	if freq <= 0 {
		freq = 5 * time.Minute
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	a.log.Info().Dur("analysis_frequency", freq).Msg("Agent loop starting")

	// cycle-local scratch, reset every time the loop returns to IDLE
	var (
		contexts map[string]*market.Context
		handled  map[string]bool
		pending  *trade.Decision
	)

	for a.currentState() != StateStopped {
		select {
		case <-ctx.Done():
			a.transition(EventStop, nil)
			continue
		default:
		}

		switch a.currentState() {
		case StateIdle:
			contexts, handled, pending = nil, make(map[string]bool), nil
			select {
			case <-ctx.Done():
				a.transition(EventStop, nil)
			case <-ticker.C:
				if a.isPaused() {
					continue
				}
				a.transition(EventIntervalElapsed, nil)
			}

		case StateLearning:
			a.drainOutcomes()
			a.transition(EventOutcomesProcessed, nil)

		case StatePerception:
			if a.killSwitchBreached(ctx) {
				a.fireKillSwitch(ctx)
				a.transition(EventKillSwitch, nil)
				continue
			}
			if contexts == nil {
				contexts = a.perceive(ctx)
			}
			a.transition(EventDataOK, nil)

		case StateReasoning:
			pending = a.reason(ctx, contexts, handled)
			if pending == nil {
				a.transition(EventNoSignal, nil)
			} else {
				handled[pending.Asset] = true
				a.transition(EventActionableSignal, pending)
			}

		case StateRiskCheck:
			if a.gate(ctx, pending, contexts[pending.Asset]) {
				a.transition(EventApproved, pending)
			} else {
				a.transition(EventRejected, pending)
				pending = nil
			}

		case StateExecution:
			if err := a.execute(ctx, pending, contexts[pending.Asset]); err != nil {
				a.log.Error().Err(err).Str("asset", pending.Asset).Msg("Execution failed")
				a.transition(EventFailure, pending)
			} else {
				a.transition(EventSuccess, pending)
			}
			pending = nil
		}
	}

	a.log.Info().Msg("Agent loop stopped")
	return ctx.Err()
}

// Stop cancels the loop gracefully. Open positions keep their trackers.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EmergencyStop halts the loop immediately, optionally flattening every
// open position first.
func (a *Agent) EmergencyStop(closePositions bool) {
	a.log.Warn().Bool("close_positions", closePositions).Msg("Emergency stop")
	a.monitor.PausePortfolio()
	if closePositions {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.monitor.CloseAll(ctx, trade.CloseManual)
	}
	a.notifier.Notify(context.Background(), "emergency_stop",
		fmt.Sprintf("emergency stop, close_positions=%v", closePositions))
	a.transition(EventFatal, nil)
	a.Stop()
}

// UpdateConfig applies a mutation to the loop configuration under the
// lock. Changes take effect on the next cycle.
func (a *Agent) UpdateConfig(patch func(*config.AgentConfig)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	patch(&a.cfg)
	a.log.Info().Msg("Agent config updated")
}

// Approve resolves a pending manual approval.
func (a *Agent) Approve(decisionID uuid.UUID, approve bool) error {
	a.mu.Lock()
	ch, ok := a.approvals[decisionID]
	if ok {
		delete(a.approvals, decisionID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, decisionID)
	}
	ch <- approve
	return nil
}

// Pause suspends new trade entries. Open trackers keep running.
func (a *Agent) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
	a.log.Info().Msg("Agent paused")
}

// Resume lifts a pause.
func (a *Agent) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	a.log.Info().Msg("Agent resumed")
}

// Status implements metrics.StatusSource.
func (a *Agent) Status() map[string]interface{} {
	a.mu.Lock()
	state := a.state
	paused := a.paused
	daily := a.dailyTrades
	pendingApprovals := len(a.approvals)
	a.mu.Unlock()

	snap := a.monitor.Snapshot()
	return map[string]interface{}{
		"state":             string(state),
		"paused":            paused,
		"daily_trades":      daily,
		"pending_approvals": pendingApprovals,
		"breaker":           a.sink.BreakerState(),
		"open_trackers":     len(snap.Trackers),
		"unrealized_pnl":    snap.UnrealizedPnL,
	}
}

// RecordOutcome implements monitor.OutcomeSink. Outcomes are queued and
// folded into the store and memory during the next learning phase.
func (a *Agent) RecordOutcome(decisionID uuid.UUID, outcome trade.Outcome) error {
	a.mu.Lock()
	a.queue = append(a.queue, queuedOutcome{decisionID: decisionID, outcome: outcome})
	a.mu.Unlock()
	return nil
}

func (a *Agent) currentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) isPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *Agent) agentConfig() config.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// transition applies one table row, records it and logs the cause.
func (a *Agent) transition(ev Event, d *trade.Decision) {
	a.mu.Lock()
	from := a.state
	to, ok := next(from, ev)
	if ok {
		a.state = to
	}
	a.mu.Unlock()

	if !ok {
		a.log.Error().Str("from", string(from)).Str("event", string(ev)).
			Msg("No transition for event, staying put")
		return
	}
	metrics.AgentTransitions.WithLabelValues(string(from), string(ev), string(to)).Inc()
	evt := a.log.Debug().Str("from", string(from)).Str("event", string(ev)).Str("to", string(to))
	if d != nil {
		evt = evt.Str("decision_id", d.ID.String()).Str("asset", d.Asset)
	}
	evt.Msg("State transition")
}

// drainOutcomes appends queued outcomes to their decisions and feeds
// them to the learning memory.
func (a *Agent) drainOutcomes() {
	a.mu.Lock()
	queue := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, q := range queue {
		if err := a.store.Append(q.decisionID, &q.outcome); err != nil {
			if errors.Is(err, store.ErrAlreadyTerminal) {
				continue
			}
			a.log.Error().Err(err).Str("decision_id", q.decisionID.String()).
				Msg("Failed to append outcome")
			continue
		}
		d, err := a.store.Get(q.decisionID)
		if err != nil {
			a.log.Error().Err(err).Str("decision_id", q.decisionID.String()).
				Msg("Outcome stored but decision unreadable")
			continue
		}
		if err := a.memory.RecordOutcome(d, q.outcome); err != nil {
			a.log.Error().Err(err).Str("decision_id", q.decisionID.String()).
				Msg("Failed to learn from outcome")
		}
	}
	if len(queue) > 0 {
		a.log.Info().Int("outcomes", len(queue)).Msg("Learning phase processed outcomes")
	}
}

// perceive builds a market context per configured asset and extends the
// per-asset return series. A failed asset is skipped, not fatal.
func (a *Agent) perceive(ctx context.Context) map[string]*market.Context {
	cfg := a.agentConfig()
	out := make(map[string]*market.Context, len(cfg.AssetPairs))
	for _, asset := range cfg.AssetPairs {
		class := a.assetClass(asset)
		mc, err := a.builder.Build(ctx, asset, class)
		if err != nil {
			a.log.Warn().Err(err).Str("asset", asset).Msg("Context build failed, skipping asset")
			continue
		}
		out[asset] = mc
		a.extendReturns(asset, mc)
	}
	return out
}

func (a *Agent) assetClass(asset string) trade.AssetClass {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.classes[asset]; ok {
		return c
	}
	return trade.AssetClassCrypto
}

// extendReturns derives simple per-bar returns from the hourly candles
// so the risk checks have a history to correlate against.
func (a *Agent) extendReturns(asset string, mc *market.Context) {
	candles := mc.Candles[market.Timeframe1h]
	if len(candles) < 2 {
		return
	}
	series := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		series = append(series, (candles[i].Close-prev)/prev)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.returns[asset] = series
	if n := len(a.returns[asset]); n > returnsWindow {
		a.returns[asset] = a.returns[asset][n-returnsWindow:]
	}
}

func (a *Agent) returnsCopy() map[string][]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]float64, len(a.returns))
	for k, v := range a.returns {
		out[k] = v
	}
	return out
}

// reason runs the ensemble over each unhandled asset and returns the
// first actionable decision. Every decision is persisted, holds included.
func (a *Agent) reason(ctx context.Context, contexts map[string]*market.Context, handled map[string]bool) *trade.Decision {
	cfg := a.agentConfig()
	snapshot := a.portfolioSnapshot(ctx, contexts)

	for _, asset := range cfg.AssetPairs {
		mc, ok := contexts[asset]
		if !ok || handled[asset] {
			continue
		}
		d, err := a.aggregator.Decide(ctx, mc, &snapshot)
		if err != nil {
			a.log.Error().Err(err).Str("asset", asset).Msg("Aggregation failed")
			continue
		}
		if d.Action != trade.ActionHold && d.Confidence < cfg.MinConfidence {
			a.log.Info().Str("asset", asset).Float64("confidence", d.Confidence).
				Float64("threshold", cfg.MinConfidence).Msg("Confidence below threshold, demoting to HOLD")
			d.Action = trade.ActionHold
			d.Reasoning = fmt.Sprintf("demoted to HOLD: confidence %.1f below threshold %.1f; %s",
				d.Confidence, cfg.MinConfidence, d.Reasoning)
		}
		if d.SuggestedSize <= 0 {
			d.SuggestedSize = cfg.DefaultSize
		}
		if err := a.store.Save(d); err != nil {
			a.log.Error().Err(err).Str("decision_id", d.ID.String()).Msg("Failed to persist decision")
		}
		if d.Action != trade.ActionHold {
			return d
		}
	}
	return nil
}

// gate runs the pre-trade gates in order: daily budget, manual
// approval, then the layered risk checks. The gate result is persisted
// onto the decision.
func (a *Agent) gate(ctx context.Context, d *trade.Decision, mc *market.Context) bool {
	cfg := a.agentConfig()

	a.rolloverTradeDay()
	a.mu.Lock()
	daily := a.dailyTrades
	a.mu.Unlock()
	if cfg.MaxDailyTrades > 0 && daily >= cfg.MaxDailyTrades {
		return a.reject(d, fmt.Sprintf("daily_trade_limit(%d)", cfg.MaxDailyTrades))
	}

	if a.needsApproval(cfg, d.Asset) {
		if !a.awaitApproval(ctx, cfg, d) {
			return a.reject(d, "approval_denied")
		}
	}

	rc := &risk.Context{
		Market:    mc,
		Portfolio: a.portfolioSnapshot(ctx, map[string]*market.Context{d.Asset: mc}),
		Returns:   a.returnsCopy(),
		Now:       a.now(),
	}
	ok, reason := a.gatekeeper.Validate(d, rc)
	d.Approved = ok
	d.RejectionReason = reason
	if err := a.store.Save(d); err != nil {
		a.log.Error().Err(err).Str("decision_id", d.ID.String()).Msg("Failed to persist gate result")
	}
	if !ok {
		a.log.Warn().Str("asset", d.Asset).Str("reason", reason).Msg("Decision rejected by risk gate")
	}
	return ok
}

func (a *Agent) reject(d *trade.Decision, reason string) bool {
	d.Approved = false
	d.RejectionReason = reason
	if err := a.store.Save(d); err != nil {
		a.log.Error().Err(err).Str("decision_id", d.ID.String()).Msg("Failed to persist rejection")
	}
	a.log.Warn().Str("asset", d.Asset).Str("reason", reason).Msg("Decision rejected")
	return false
}

func (a *Agent) needsApproval(cfg config.AgentConfig, asset string) bool {
	switch cfg.ApprovalPolicy {
	case "always":
		return true
	case "on_new_asset":
		a.mu.Lock()
		defer a.mu.Unlock()
		return !a.traded[asset]
	default:
		return false
	}
}

// awaitApproval blocks for an operator verdict up to the approval
// timeout; the timeout action decides the default.
func (a *Agent) awaitApproval(ctx context.Context, cfg config.AgentConfig, d *trade.Decision) bool {
	ch := make(chan bool, 1)
	a.mu.Lock()
	a.approvals[d.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.approvals, d.ID)
		a.mu.Unlock()
	}()

	a.notifier.Notify(ctx, "approval_pending",
		fmt.Sprintf("%s %s (confidence %.0f) awaits approval, decision %s",
			d.Action, d.Asset, d.Confidence, d.ID))

	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case verdict := <-ch:
		return verdict
	case <-timer.C:
		a.log.Warn().Str("decision_id", d.ID.String()).
			Str("timeout_action", cfg.ApprovalTimeoutAction).Msg("Approval timed out")
		return cfg.ApprovalTimeoutAction == "approve"
	case <-ctx.Done():
		return false
	}
}

// execute places the order (client id = decision id, so retries cannot
// double-fill) and hands the position to the monitor.
func (a *Agent) execute(ctx context.Context, d *trade.Decision, mc *market.Context) error {
	side := trade.SideLong
	if d.Action == trade.ActionSell {
		side = trade.SideShort
	}
	order := trade.Order{
		ClientID:   d.ID.String(),
		DecisionID: d.ID,
		Asset:      d.Asset,
		Side:       side,
		Size:       d.SuggestedSize,
	}
	fill, err := a.sink.Execute(ctx, order)
	if err != nil {
		return fmt.Errorf("execute %s %s: %w", d.Action, d.Asset, err)
	}

	a.mu.Lock()
	a.dailyTrades++
	a.traded[d.Asset] = true
	daily := a.dailyTrades
	a.mu.Unlock()
	metrics.DailyTradeCount.Set(float64(daily))

	pos := trade.Position{
		ID:         fill.PositionID,
		Asset:      d.Asset,
		Side:       side,
		EntryPrice: fill.FilledPrice,
		Size:       d.SuggestedSize,
		MarkPrice:  fill.FilledPrice,
		EntryTime:  fill.FilledAt,
	}
	regime := ""
	if mc != nil {
		regime = string(mc.Regime)
	}
	if err := a.monitor.Attach(pos, d.ID, regime); err != nil {
		// The position is live but unwatched. Flatten it right away.
		a.log.Error().Err(err).Str("position_id", pos.ID).
			Msg("Tracker attach failed, closing position defensively")
		if _, cerr := a.sink.Close(ctx, pos.ID); cerr != nil {
			a.notifier.Notify(ctx, "unwatched_position",
				fmt.Sprintf("position %s executed but untracked and close failed: %v", pos.ID, cerr))
		}
		return fmt.Errorf("attach tracker: %w", err)
	}

	a.log.Info().Str("asset", d.Asset).Str("position_id", pos.ID).
		Float64("filled_price", fill.FilledPrice).Int("daily_trades", daily).
		Msg("Trade executed and tracked")
	return nil
}

// killSwitchBreached compares total P&L against the configured loss
// cap. Hitting the cap exactly counts as breached.
func (a *Agent) killSwitchBreached(ctx context.Context) bool {
	cfg := a.agentConfig()
	if cfg.KillSwitchLossPct <= 0 || a.initialEquity <= 0 {
		return false
	}
	snap := a.portfolioSnapshot(ctx, nil)
	frac := (snap.NAV() - a.initialEquity) / a.initialEquity
	return frac <= -cfg.KillSwitchLossPct/100
}

func (a *Agent) fireKillSwitch(ctx context.Context) {
	a.mu.Lock()
	if a.killed {
		a.mu.Unlock()
		return
	}
	a.killed = true
	a.mu.Unlock()

	a.log.Error().Msg("Agent kill switch breached, flattening portfolio")
	metrics.KillSwitchTriggered.Inc()
	a.monitor.PausePortfolio()
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.monitor.CloseAll(closeCtx, trade.CloseKillSwitch)
	a.notifier.Notify(ctx, "kill_switch", "agent loss cap breached, portfolio flattened, loop stopping")
}

// portfolioSnapshot assembles the per-cycle account view from the
// execution sink, marking positions with fresh context prices where
// available.
func (a *Agent) portfolioSnapshot(ctx context.Context, contexts map[string]*market.Context) trade.PortfolioSnapshot {
	snap := trade.PortfolioSnapshot{
		Timestamp:     a.now().UTC(),
		InitialEquity: a.initialEquity,
		RealizedPnL:   a.monitor.Snapshot().RealizedToday,
	}
	balances, err := a.sink.Balance(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Balance fetch failed, snapshot degraded")
	} else {
		snap.Balances = balances
		snap.Cash = balances["USDT"]
	}
	positions, err := a.sink.OpenPositions(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Open positions fetch failed, snapshot degraded")
	} else {
		for i := range positions {
			if mc, ok := contexts[positions[i].Asset]; ok && mc.LastPrice > 0 {
				positions[i].MarkPrice = mc.LastPrice
			}
		}
		snap.Positions = positions
	}
	return snap
}

// rolloverTradeDay resets the daily trade counter on a UTC day change.
func (a *Agent) rolloverTradeDay() {
	today := a.now().UTC().Truncate(24 * time.Hour)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !today.Equal(a.tradeDay) {
		a.tradeDay = today
		a.dailyTrades = 0
		metrics.DailyTradeCount.Set(0)
	}
}
