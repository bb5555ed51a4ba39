package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/ensemble"
	"github.com/marketmind/marketmind/internal/execution"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/memory"
	"github.com/marketmind/marketmind/internal/monitor"
	"github.com/marketmind/marketmind/internal/platform"
	"github.com/marketmind/marketmind/internal/provider"
	"github.com/marketmind/marketmind/internal/risk"
	"github.com/marketmind/marketmind/internal/store"
	"github.com/marketmind/marketmind/internal/trade"
)

func TestTransitionTableResolves(t *testing.T) {
	for _, tr := range Transitions {
		to, ok := next(tr.From, tr.Event)
		require.True(t, ok, "%s + %s", tr.From, tr.Event)
		assert.Equal(t, tr.To, to)
	}

	// Stop and fatal are legal everywhere.
	for _, from := range []State{StateIdle, StateLearning, StatePerception, StateReasoning, StateRiskCheck, StateExecution} {
		to, ok := next(from, EventStop)
		require.True(t, ok)
		assert.Equal(t, StateStopped, to)
		to, ok = next(from, EventFatal)
		require.True(t, ok)
		assert.Equal(t, StateStopped, to)
	}

	// An event with no row leaves the state unchanged.
	to, ok := next(StateIdle, EventApproved)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, to)
}

func TestEveryWorkingStateHasAnExit(t *testing.T) {
	exits := make(map[State]int)
	for _, tr := range Transitions {
		exits[tr.From]++
	}
	for _, from := range []State{StateIdle, StateLearning, StatePerception, StateReasoning, StateRiskCheck, StateExecution} {
		assert.Greater(t, exits[from], 0, "state %s is a trap", from)
	}
}

// harness wires the full stack against the mock market and paper
// platform.
type harness struct {
	agent    *Agent
	prices   *market.MockProvider
	provider *provider.MockProvider
	store    *store.Store
	memory   *memory.Memory
	monitor  *monitor.Monitor
	sink     *execution.Sink
}

func permissiveRisk() config.RiskConfig {
	return config.RiskConfig{
		MaxDrawdownPct:            50,
		MaxVaRPct:                 50,
		IntraCorrelationThreshold: 0.99,
		MaxCorrelatedCount:        10,
		CrossCorrelationThreshold: 0.99,
		CrossCorrelationMode:      "warn",
		MaxPositionFraction:       0.5,
		MaxLeverage:               5,
		HighVolThreshold:          0.5,
		HighVolMinConfidence:      0,
	}
}

func newHarness(t *testing.T, mutate func(*config.AgentConfig)) *harness {
	t.Helper()

	prices := market.NewMockProvider()
	prices.SetPrice("BTCUSDT", 100)

	mock := provider.NewMockProvider("alpha").Script(trade.ActionBuy, 80, "momentum long")
	agg, err := ensemble.New(config.EnsembleConfig{
		Strategy:        ensemble.StrategySingle,
		ProviderTimeout: time.Second,
		OverallTimeout:  2 * time.Second,
	}, []provider.Provider{mock}, nil)
	require.NoError(t, err)

	paper := platform.NewPaper(config.PlatformConfig{InitialCapital: 10000}, prices)
	sink := execution.New(paper, config.BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Second}, 1)

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	mem, err := memory.New(config.MemoryConfig{LearningRate: 0.2, MinSamplesPerRegime: 1})
	require.NoError(t, err)

	mon := monitor.New(config.MonitorConfig{
		PerTradeStopLossPct:    3,
		PerTradeTakeProfitPct:  4,
		PortfolioStopLossPct:   50,
		PortfolioTakeProfitPct: 100,
		MaxConcurrentTrackers:  3,
		PnLCheckInterval:       10 * time.Millisecond,
		PortfolioCheckInterval: 20 * time.Millisecond,
		MaxPriceFailures:       5,
		MaxCloseRetries:        2,
	}, prices, sink, nil, 10000)

	cfg := config.AgentConfig{
		AnalysisFrequency:     20 * time.Millisecond,
		AssetPairs:            []string{"BTCUSDT"},
		MinConfidence:         60,
		MaxDailyTrades:        1,
		KillSwitchLossPct:     10,
		ApprovalPolicy:        "never",
		ApprovalTimeout:       50 * time.Millisecond,
		ApprovalTimeoutAction: "reject",
		DefaultSize:           1,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(cfg, Deps{
		Builder:    market.NewBuilder(prices, nil),
		Aggregator: agg,
		Gatekeeper: risk.New(permissiveRisk()),
		Sink:       sink,
		Monitor:    mon,
		Store:      st,
		Memory:     mem,
	}, 10000)
	require.NoError(t, err)
	mon.SetOutcomeSink(a)

	return &harness{agent: a, prices: prices, provider: mock, store: st, memory: mem, monitor: mon, sink: sink}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.monitor.Run(ctx)
	go func() { _ = h.agent.Run(ctx) }()
	t.Cleanup(cancel)
}

func approvedDecisions(t *testing.T, st *store.Store) []*trade.Decision {
	t.Helper()
	approved := true
	out, err := st.List(store.Filter{Approved: &approved}, 0)
	require.NoError(t, err)
	return out
}

// Full pass through the loop: signal, gate, execution, tracking, take
// profit, and the outcome folded back into the store and memory.
func TestHappyPathBuyToTakeProfit(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	require.Eventually(t, func() bool {
		return len(approvedDecisions(t, h.store)) == 1
	}, 5*time.Second, 20*time.Millisecond, "BUY decision approved and executed")

	d := approvedDecisions(t, h.store)[0]
	assert.Equal(t, trade.ActionBuy, d.Action)
	assert.Equal(t, 80.0, d.Confidence)

	// Rally through the 4% take profit.
	h.prices.SetPrice("BTCUSDT", 106)

	require.Eventually(t, func() bool {
		stored, err := h.store.Get(d.ID)
		return err == nil && stored.Outcome != nil
	}, 5*time.Second, 20*time.Millisecond, "outcome appended after close")

	stored, err := h.store.Get(d.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Outcome)
	assert.Equal(t, trade.CloseTakeProfit, stored.Outcome.ClosedBy)
	assert.Greater(t, stored.Outcome.RealizedPnL, 4.0, "roughly +6 before slippage and fees")
	assert.Equal(t, d.ID, stored.Outcome.DecisionID)

	// The closed trade flows into the risk gate's view of the day.
	snap := h.agent.portfolioSnapshot(context.Background(), nil)
	assert.Equal(t, stored.Outcome.RealizedPnL, snap.RealizedPnL)

	// The learning phase scored the winning provider.
	require.Eventually(t, func() bool {
		s, ok := h.memory.ProviderAccuracy("alpha")
		return ok && s.Samples == 1 && s.Accuracy == 1.0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Empty(t, h.monitor.Snapshot().Trackers, "tracker detached after close")
}

func TestLowConfidenceDemotedToHold(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Script(trade.ActionBuy, 40, "weak signal")

	ctx := context.Background()
	contexts := h.agent.perceive(ctx)
	require.Contains(t, contexts, "BTCUSDT")

	pending := h.agent.reason(ctx, contexts, map[string]bool{})
	assert.Nil(t, pending, "demoted decision is not actionable")

	decisions, err := h.store.List(store.Filter{Asset: "BTCUSDT"}, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, trade.ActionHold, decisions[0].Action)
	assert.Contains(t, decisions[0].Reasoning, "demoted to HOLD")
}

func TestDailyTradeLimitGate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	contexts := h.agent.perceive(ctx)
	d := h.agent.reason(ctx, contexts, map[string]bool{})
	require.NotNil(t, d)

	h.agent.mu.Lock()
	h.agent.dailyTrades = 1
	h.agent.tradeDay = time.Now().UTC().Truncate(24 * time.Hour)
	h.agent.mu.Unlock()

	ok := h.agent.gate(ctx, d, contexts["BTCUSDT"])
	assert.False(t, ok)
	assert.Contains(t, d.RejectionReason, "daily_trade_limit")

	stored, err := h.store.Get(d.ID)
	require.NoError(t, err)
	assert.False(t, stored.Approved)
}

func TestDailyCounterRollsOverAtMidnightUTC(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.mu.Lock()
	h.agent.dailyTrades = 1
	h.agent.tradeDay = time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
	h.agent.mu.Unlock()

	h.agent.rolloverTradeDay()

	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	assert.Equal(t, 0, h.agent.dailyTrades)
}

func TestApprovalTimeoutRejects(t *testing.T) {
	h := newHarness(t, func(cfg *config.AgentConfig) {
		cfg.ApprovalPolicy = "always"
		cfg.ApprovalTimeout = 30 * time.Millisecond
		cfg.ApprovalTimeoutAction = "reject"
	})
	ctx := context.Background()
	contexts := h.agent.perceive(ctx)
	d := h.agent.reason(ctx, contexts, map[string]bool{})
	require.NotNil(t, d)

	ok := h.agent.gate(ctx, d, contexts["BTCUSDT"])
	assert.False(t, ok)
	assert.Equal(t, "approval_denied", d.RejectionReason)
}

func TestApprovalTimeoutCanApprove(t *testing.T) {
	h := newHarness(t, func(cfg *config.AgentConfig) {
		cfg.ApprovalPolicy = "always"
		cfg.ApprovalTimeout = 30 * time.Millisecond
		cfg.ApprovalTimeoutAction = "approve"
	})
	ctx := context.Background()
	contexts := h.agent.perceive(ctx)
	d := h.agent.reason(ctx, contexts, map[string]bool{})
	require.NotNil(t, d)

	ok := h.agent.gate(ctx, d, contexts["BTCUSDT"])
	assert.True(t, ok, "timeout action approve lets the trade through the remaining gates")
}

func TestManualApprovalResolvesGate(t *testing.T) {
	h := newHarness(t, func(cfg *config.AgentConfig) {
		cfg.ApprovalPolicy = "always"
		cfg.ApprovalTimeout = 5 * time.Second
	})
	ctx := context.Background()
	contexts := h.agent.perceive(ctx)
	d := h.agent.reason(ctx, contexts, map[string]bool{})
	require.NotNil(t, d)

	result := make(chan bool, 1)
	go func() { result <- h.agent.gate(ctx, d, contexts["BTCUSDT"]) }()

	require.Eventually(t, func() bool {
		return h.agent.Approve(d.ID, true) == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not resolve after approval")
	}

	assert.ErrorIs(t, h.agent.Approve(d.ID, true), ErrUnknownApproval, "approval is single-use")
}

func TestOnNewAssetPolicySkipsKnownAssets(t *testing.T) {
	h := newHarness(t, func(cfg *config.AgentConfig) {
		cfg.ApprovalPolicy = "on_new_asset"
	})
	cfg := h.agent.agentConfig()

	assert.True(t, h.agent.needsApproval(cfg, "BTCUSDT"))

	h.agent.mu.Lock()
	h.agent.traded["BTCUSDT"] = true
	h.agent.mu.Unlock()
	assert.False(t, h.agent.needsApproval(cfg, "BTCUSDT"))
}

func TestKillSwitchBoundary(t *testing.T) {
	prices := market.NewMockProvider()
	prices.SetPrice("BTCUSDT", 100)

	cases := []struct {
		name     string
		capital  float64
		breached bool
	}{
		{"well above cap", 9500, false},
		{"just inside", 9001, false},
		{"exactly at cap", 9000, true},
		{"beyond cap", 8000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			paper := platform.NewPaper(config.PlatformConfig{InitialCapital: tc.capital}, prices)
			h.agent.sink = execution.New(paper, config.BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Second}, 1)

			assert.Equal(t, tc.breached, h.agent.killSwitchBreached(context.Background()),
				"10%% cap against equity 10000, NAV %.0f", tc.capital)
		})
	}
}

func TestRecordOutcomeQueuedUntilLearning(t *testing.T) {
	h := newHarness(t, nil)

	d := &trade.Decision{
		ID:     uuid.New(),
		Asset:  "BTCUSDT",
		Action: trade.ActionBuy,
		Providers: []trade.ProviderDecision{
			{ProviderName: "alpha", Action: trade.ActionBuy, Confidence: 80},
		},
	}
	require.NoError(t, h.store.Save(d))

	o := trade.Outcome{
		PositionID:  "pos-1",
		DecisionID:  d.ID,
		RealizedPnL: 5,
		ClosedBy:    trade.CloseTakeProfit,
		Regime:      "trending",
	}
	require.NoError(t, h.agent.RecordOutcome(d.ID, o))

	stored, err := h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Outcome, "outcome waits for the learning phase")

	h.agent.drainOutcomes()

	stored, err = h.store.Get(d.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Outcome)

	s, ok := h.memory.ProviderAccuracy("alpha")
	require.True(t, ok)
	assert.Equal(t, 1.0, s.Accuracy)
}

func TestPausedAgentSkipsCycles(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.Pause()
	h.start(t)

	time.Sleep(150 * time.Millisecond)
	decisions, err := h.store.List(store.Filter{}, 0)
	require.NoError(t, err)
	assert.Empty(t, decisions, "paused loop must not decide")

	h.agent.Resume()
	require.Eventually(t, func() bool {
		out, err := h.store.List(store.Filter{}, 0)
		return err == nil && len(out) > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStatusReportsLoopState(t *testing.T) {
	h := newHarness(t, nil)
	st := h.agent.Status()
	assert.Equal(t, string(StateIdle), st["state"])
	assert.Equal(t, false, st["paused"])
	assert.Equal(t, 0, st["daily_trades"])
	assert.Equal(t, "closed", st["breaker"])
}

func TestUpdateConfigTakesEffect(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.UpdateConfig(func(cfg *config.AgentConfig) {
		cfg.MinConfidence = 90
	})
	assert.Equal(t, 90.0, h.agent.agentConfig().MinConfidence)
}

func TestEmergencyStopHaltsLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.EmergencyStop(false)
	assert.Equal(t, StateStopped, h.agent.currentState())
}
