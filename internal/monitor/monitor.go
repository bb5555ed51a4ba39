// Package monitor tracks open positions in real time, enforcing
// per-trade and portfolio-level stop-loss and take-profit, and feeds
// confirmed outcomes back to the decision store and portfolio memory.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/metrics"
	"github.com/marketmind/marketmind/internal/platform"
	"github.com/marketmind/marketmind/internal/trade"
)

// ErrTrackerCapacity is returned by Attach when max_concurrent_trackers
// is reached. Attachments are refused, never queued.
var ErrTrackerCapacity = errors.New("monitor: tracker capacity reached")

// ErrPaused is returned by Attach while the portfolio is paused.
var ErrPaused = errors.New("monitor: attachments paused")

// Closer executes position closes; satisfied by the execution sink.
type Closer interface {
	Close(ctx context.Context, positionID string) (platform.CloseResult, error)
}

// OutcomeSink receives confirmed terminal outcomes; satisfied by the
// decision store and portfolio memory glued together by the agent.
type OutcomeSink interface {
	RecordOutcome(decisionID uuid.UUID, outcome trade.Outcome) error
}

// TrackerView is the immutable per-tracker slice of a Snapshot.
type TrackerView struct {
	Position      trade.Position `json:"position"`
	DecisionID    uuid.UUID      `json:"decision_id"`
	LastMarkPrice float64        `json:"last_mark_price"`
	LastMarkTime  time.Time      `json:"last_mark_time"`
	PnL           float64        `json:"pnl"`
	PnLFraction   float64        `json:"pnl_fraction"`
}

// Snapshot is an immutable view of the monitor's state.
type Snapshot struct {
	Trackers      []TrackerView `json:"trackers"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	RealizedToday float64       `json:"realized_today"`
	Paused        bool          `json:"paused"`
}

type tracker struct {
	position   trade.Position
	decisionID uuid.UUID
	regime     string

	mu           sync.Mutex
	lastMark     float64
	lastMarkTime time.Time
	failures     int
	closing      bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (t *tracker) view() TrackerView {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := t.position
	pos.MarkPrice = t.lastMark
	return TrackerView{
		Position:      pos,
		DecisionID:    t.decisionID,
		LastMarkPrice: t.lastMark,
		LastMarkTime:  t.lastMarkTime,
		PnL:           pos.UnrealizedPnL(),
		PnLFraction:   pnlFraction(pos),
	}
}

func pnlFraction(p trade.Position) float64 {
	notional := p.Notional()
	if notional == 0 {
		return 0
	}
	return p.UnrealizedPnL() / notional
}

// Monitor supervises one tracker goroutine per open position plus one
// portfolio-level loop.
type Monitor struct {
	cfg      config.MonitorConfig
	prices   market.Provider
	closer   Closer
	outcomes OutcomeSink
	log      zerolog.Logger

	// onKillSwitch signals the agent to stop; onFatal surfaces
	// unrecoverable close failures for manual intervention.
	onKillSwitch func()
	onFatal      func(error)

	sem *semaphore.Weighted

	mu            sync.Mutex
	trackers      map[string]*tracker
	paused        bool
	realizedToday float64
	realizedDay   time.Time
	initialEquity float64

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a monitor. initialEquity anchors portfolio P&L fractions.
func New(cfg config.MonitorConfig, prices market.Provider, closer Closer, outcomes OutcomeSink, initialEquity float64) *Monitor {
	return &Monitor{
		cfg:           cfg,
		prices:        prices,
		closer:        closer,
		outcomes:      outcomes,
		log:           config.NewLogger("monitor"),
		onKillSwitch:  func() {},
		onFatal:       func(error) {},
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrentTrackers)),
		trackers:      make(map[string]*tracker),
		initialEquity: initialEquity,
		now:           time.Now,
	}
}

// SetOutcomeSink wires the outcome consumer. The agent is constructed
// after the monitor, so wiring closes the loop here. Must be called
// before Run.
func (m *Monitor) SetOutcomeSink(s OutcomeSink) { m.outcomes = s }

// OnKillSwitch registers the agent-stop callback. Must be called before Run.
func (m *Monitor) OnKillSwitch(fn func()) { m.onKillSwitch = fn }

// OnFatal registers the escalation callback for unrecoverable close
// failures. Must be called before Run.
func (m *Monitor) OnFatal(fn func(error)) { m.onFatal = fn }

// Run starts the portfolio loop and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.rootCtx = ctx
	m.cancel = cancel
	m.realizedDay = m.now().UTC().Truncate(24 * time.Hour)
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.PortfolioCheckInterval)
	defer ticker.Stop()

	m.log.Info().
		Int("max_trackers", m.cfg.MaxConcurrentTrackers).
		Dur("pnl_interval", m.cfg.PnLCheckInterval).
		Dur("portfolio_interval", m.cfg.PortfolioCheckInterval).
		Msg("Monitor running")

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
			m.checkPortfolio(ctx)
		}
	}
}

// Attach starts tracking a newly opened position. Fails when capacity
// is reached or the portfolio is paused.
func (m *Monitor) Attach(pos trade.Position, decisionID uuid.UUID, regime string) error {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return ErrPaused
	}
	ctx := m.rootCtx
	m.mu.Unlock()
	if ctx == nil {
		return errors.New("monitor: not running")
	}

	if !m.sem.TryAcquire(1) {
		metrics.TrackerRefusals.Inc()
		return fmt.Errorf("%w: %d active", ErrTrackerCapacity, m.cfg.MaxConcurrentTrackers)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &tracker{
		position:     pos,
		decisionID:   decisionID,
		regime:       regime,
		lastMark:     pos.MarkPrice,
		lastMarkTime: m.now(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	if _, dup := m.trackers[pos.ID]; dup {
		m.mu.Unlock()
		cancel()
		m.sem.Release(1)
		return fmt.Errorf("monitor: position %s already tracked", pos.ID)
	}
	m.trackers[pos.ID] = t
	count := len(m.trackers)
	m.mu.Unlock()

	metrics.OpenTrackers.Set(float64(count))
	m.wg.Add(1)
	go m.track(tctx, t)

	m.log.Info().
		Str("position_id", pos.ID).
		Str("asset", pos.Asset).
		Str("decision_id", decisionID.String()).
		Int("active_trackers", count).
		Msg("Tracker attached")
	return nil
}

// Detach stops tracking without closing the position on the platform.
func (m *Monitor) Detach(positionID, reason string) {
	m.mu.Lock()
	t, ok := m.trackers[positionID]
	if ok {
		delete(m.trackers, positionID)
	}
	count := len(m.trackers)
	m.mu.Unlock()
	if !ok {
		return
	}

	t.cancel()
	m.sem.Release(1)
	metrics.OpenTrackers.Set(float64(count))
	m.log.Info().Str("position_id", positionID).Str("reason", reason).Msg("Tracker detached")
}

// Snapshot returns an immutable view of all trackers and aggregate P&L.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Trackers:      make([]TrackerView, 0, len(m.trackers)),
		RealizedToday: m.realizedToday,
		Paused:        m.paused,
	}
	for _, t := range m.trackers {
		v := t.view()
		s.Trackers = append(s.Trackers, v)
		s.UnrealizedPnL += v.PnL
	}
	return s
}

// PausePortfolio halts new attachments; running trackers continue.
func (m *Monitor) PausePortfolio() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.log.Warn().Msg("Portfolio paused, attachments refused")
}

// ResumePortfolio re-enables attachments.
func (m *Monitor) ResumePortfolio() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.log.Info().Msg("Portfolio resumed")
}

// CloseAll requests an orderly close of every tracked position and
// waits for the trackers to finish or ctx to expire.
func (m *Monitor) CloseAll(ctx context.Context, cause trade.CloseCause) {
	m.mu.Lock()
	targets := make([]*tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *tracker) {
			defer wg.Done()
			m.closeTracked(ctx, t, cause)
		}(t)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// track is the per-position loop.
func (m *Monitor) track(ctx context.Context, t *tracker) {
	defer m.wg.Done()
	defer close(t.done)

	ticker := time.NewTicker(m.cfg.PnLCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.checkTracker(ctx, t) {
				return
			}
		}
	}
}

// checkTracker runs one mark-and-threshold cycle. Returns true when the
// tracker has terminated.
func (m *Monitor) checkTracker(ctx context.Context, t *tracker) bool {
	price, _, err := m.prices.Price(ctx, t.position.Asset)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		t.mu.Lock()
		t.failures++
		failures := t.failures
		t.mu.Unlock()

		m.log.Warn().
			Err(err).
			Str("position_id", t.position.ID).
			Int("consecutive_failures", failures).
			Msg("Price fetch failed")

		if failures >= m.cfg.MaxPriceFailures {
			m.log.Error().
				Str("position_id", t.position.ID).
				Msg("Max price failures reached, closing defensively")
			m.closeTracked(ctx, t, trade.CloseStopLoss)
			return true
		}
		// Linear backoff on top of the ticker cadence.
		select {
		case <-time.After(time.Duration(failures) * 100 * time.Millisecond):
		case <-ctx.Done():
			return true
		}
		return false
	}

	t.mu.Lock()
	t.failures = 0
	t.lastMark = price
	t.lastMarkTime = m.now()
	pos := t.position
	pos.MarkPrice = price
	frac := pnlFraction(pos)
	t.mu.Unlock()

	switch {
	case frac <= -m.cfg.PerTradeStopLossPct/100:
		m.log.Warn().
			Str("position_id", t.position.ID).
			Float64("pnl_fraction", frac).
			Msg("Per-trade stop loss hit")
		m.closeTracked(ctx, t, trade.CloseStopLoss)
		return true
	case frac >= m.cfg.PerTradeTakeProfitPct/100:
		m.log.Info().
			Str("position_id", t.position.ID).
			Float64("pnl_fraction", frac).
			Msg("Per-trade take profit hit")
		m.closeTracked(ctx, t, trade.CloseTakeProfit)
		return true
	}
	return false
}

// checkPortfolio aggregates across trackers and enforces the portfolio
// stop loss (kill switch, inclusive boundary) and take profit.
func (m *Monitor) checkPortfolio(ctx context.Context) {
	m.rolloverDay()

	s := m.Snapshot()
	if m.initialEquity <= 0 {
		return
	}
	frac := (s.UnrealizedPnL + s.RealizedToday) / m.initialEquity
	metrics.PortfolioPnLFraction.Set(frac)

	switch {
	case frac <= -m.cfg.PortfolioStopLossPct/100:
		if len(s.Trackers) == 0 && s.RealizedToday >= 0 {
			return
		}
		m.log.Error().
			Float64("pnl_fraction", frac).
			Float64("threshold", -m.cfg.PortfolioStopLossPct/100).
			Msg("Portfolio kill switch triggered")
		metrics.KillSwitchTriggered.Inc()
		m.PausePortfolio()
		m.CloseAll(ctx, trade.CloseKillSwitch)
		m.onKillSwitch()
	case frac >= m.cfg.PortfolioTakeProfitPct/100 && len(s.Trackers) > 0:
		m.log.Info().
			Float64("pnl_fraction", frac).
			Msg("Portfolio take profit reached, closing all positions")
		m.CloseAll(ctx, trade.CloseTakeProfit)
	}
}

func (m *Monitor) rolloverDay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := m.now().UTC().Truncate(24 * time.Hour)
	if day.After(m.realizedDay) {
		m.realizedDay = day
		m.realizedToday = 0
	}
}

// closeTracked runs the closure protocol: the close request goes to the
// execution sink, the tracker stays attached until the close confirms,
// and the confirmed outcome is recorded.
func (m *Monitor) closeTracked(ctx context.Context, t *tracker, cause trade.CloseCause) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.mu.Unlock()

	var result platform.CloseResult
	var err error
	for attempt := 0; attempt <= m.cfg.MaxCloseRetries; attempt++ {
		result, err = m.closer.Close(ctx, t.position.ID)
		if err == nil {
			break
		}
		if trade.IsPermanent(err) || ctx.Err() != nil {
			break
		}
		m.log.Warn().
			Err(err).
			Str("position_id", t.position.ID).
			Int("attempt", attempt+1).
			Msg("Close failed, retrying")
	}
	if err != nil {
		t.mu.Lock()
		t.closing = false
		t.mu.Unlock()
		m.log.Error().Err(err).Str("position_id", t.position.ID).Msg("Close failed permanently")
		m.onFatal(fmt.Errorf("close position %s: %w", t.position.ID, err))
		return
	}

	m.mu.Lock()
	m.realizedToday += result.RealizedPnL
	m.mu.Unlock()

	outcome := trade.Outcome{
		PositionID:  t.position.ID,
		DecisionID:  t.decisionID,
		ExitPrice:   result.ExitPrice,
		ExitTime:    result.ClosedAt,
		RealizedPnL: result.RealizedPnL,
		ClosedBy:    cause,
		Regime:      t.regime,
	}
	if m.outcomes != nil {
		if err := m.outcomes.RecordOutcome(t.decisionID, outcome); err != nil {
			m.log.Error().Err(err).Str("decision_id", t.decisionID.String()).Msg("Failed to record outcome")
		}
	}

	metrics.TradesClosed.WithLabelValues(string(cause)).Inc()
	m.Detach(t.position.ID, string(cause))
}
