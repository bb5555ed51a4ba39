package ensemble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/provider"
	"github.com/marketmind/marketmind/internal/trade"
)

func testMarketContext() *market.Context {
	return &market.Context{
		Asset:     "BTCUSDT",
		Class:     trade.AssetClassCrypto,
		LastPrice: 50000,
		Regime:    market.RegimeTrending,
		FetchedAt: time.Now(),
	}
}

func votingConfig(strategy string, weights map[string]float64) config.EnsembleConfig {
	return config.EnsembleConfig{
		Strategy:        strategy,
		Weights:         weights,
		ProviderTimeout: 2 * time.Second,
		OverallTimeout:  5 * time.Second,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	a := provider.NewMockProvider("a")
	b := provider.NewMockProvider("b")

	_, err := New(votingConfig(StrategyWeighted, nil), nil, nil)
	assert.ErrorIs(t, err, ErrNoProviders)

	_, err = New(votingConfig("quantum", nil), []provider.Provider{a}, nil)
	assert.Error(t, err)

	_, err = New(votingConfig(StrategySingle, nil), []provider.Provider{a, b}, nil)
	assert.Error(t, err)

	_, err = New(votingConfig(StrategyWeighted, nil), []provider.Provider{a, provider.NewMockProvider("a")}, nil)
	assert.Error(t, err, "duplicate provider names rejected")

	cfg := votingConfig(StrategyDebate, nil)
	cfg.DebateRoles = map[string]string{"bull": "a", "bear": "b"}
	_, err = New(cfg, []provider.Provider{a, b}, nil)
	assert.Error(t, err, "missing judge role rejected")
}

func TestSingleStrategy(t *testing.T) {
	p := provider.NewMockProvider("solo").Script(trade.ActionBuy, 80, "bullish structure")
	agg, err := New(votingConfig(StrategySingle, nil), []provider.Provider{p}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionBuy, d.Action)
	assert.Equal(t, 80.0, d.Confidence)
	assert.Equal(t, "bullish structure", d.Reasoning)
	assert.Len(t, d.Providers, 1)
}

func TestSingleStrategyErroredProviderHolds(t *testing.T) {
	p := provider.NewMockProvider("solo").FailWith(errors.New("timeout"))
	agg, err := New(votingConfig(StrategySingle, nil), []provider.Provider{p}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err, "provider failure is recoverable, not an aggregator error")
	assert.Equal(t, trade.ActionHold, d.Action)
	assert.Equal(t, 0.0, d.Confidence)
}

// Weighted ensemble with one errored provider: weights renormalize pro
// rata over the survivors and the final confidence is the mean of the
// winning supporters.
func TestWeightedEnsembleWithErroredProvider(t *testing.T) {
	a := provider.NewMockProvider("a").Script(trade.ActionBuy, 70, "momentum")
	b := provider.NewMockProvider("b").FailWith(errors.New("connection reset"))
	c := provider.NewMockProvider("c").Script(trade.ActionSell, 60, "divergence")

	agg, err := New(votingConfig(StrategyWeighted, map[string]float64{"a": 0.4, "b": 0.4, "c": 0.2}),
		[]provider.Provider{a, b, c}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)

	assert.Equal(t, trade.ActionBuy, d.Action)
	assert.Equal(t, 70.0, d.Confidence)

	weights := d.Ensemble["weights"].(map[string]float64)
	assert.InDelta(t, 0.667, weights["a"], 0.001)
	assert.InDelta(t, 0.333, weights["c"], 0.001)
	assert.InDelta(t, 1.0, weights["a"]+weights["c"], 1e-9, "usable weights sum to 1")

	errored := d.Ensemble["errored_providers"].([]string)
	assert.Equal(t, []string{"b"}, errored)

	dissent := d.Ensemble["dissent"].([]string)
	require.Len(t, dissent, 1)
	assert.Contains(t, dissent[0], "divergence")
}

func TestWeightedQuorumFailure(t *testing.T) {
	a := provider.NewMockProvider("a").Script(trade.ActionBuy, 90, "")
	b := provider.NewMockProvider("b").FailWith(errors.New("timeout"))
	c := provider.NewMockProvider("c").FailWith(errors.New("timeout"))

	agg, err := New(votingConfig(StrategyWeighted, nil), []provider.Provider{a, b, c}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionHold, d.Action)
	assert.Equal(t, 0.0, d.Confidence)
	assert.Equal(t, "insufficient", d.Ensemble["quorum"])
}

func TestAllProvidersErroredHolds(t *testing.T) {
	a := provider.NewMockProvider("a").FailWith(errors.New("down"))
	b := provider.NewMockProvider("b").FailWith(errors.New("down"))

	agg, err := New(votingConfig(StrategyMajority, nil), []provider.Provider{a, b}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionHold, d.Action)
	assert.Equal(t, "insufficient", d.Ensemble["quorum"])
}

func TestMajorityTieResolvesToHold(t *testing.T) {
	a := provider.NewMockProvider("a").Script(trade.ActionBuy, 70, "")
	b := provider.NewMockProvider("b").Script(trade.ActionSell, 70, "")

	agg, err := New(votingConfig(StrategyMajority, nil), []provider.Provider{a, b}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionHold, d.Action)
}

func TestProviderTimeoutBecomesErroredVote(t *testing.T) {
	fast := provider.NewMockProvider("fast").Script(trade.ActionHold, 60, "")
	slow := provider.NewMockProvider("slow").Script(trade.ActionBuy, 90, "").Delay(time.Second)

	cfg := votingConfig(StrategyMajority, nil)
	cfg.ProviderTimeout = 30 * time.Millisecond
	agg, err := New(cfg, []provider.Provider{fast, slow}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)

	byName := map[string]trade.ProviderDecision{}
	for _, v := range d.Providers {
		byName[v.ProviderName] = v
	}
	assert.True(t, byName["slow"].Errored())
	assert.False(t, byName["fast"].Errored())
}

func TestVotesSortedLexicographically(t *testing.T) {
	ps := []provider.Provider{
		provider.NewMockProvider("zulu").Script(trade.ActionBuy, 70, ""),
		provider.NewMockProvider("alpha").Script(trade.ActionBuy, 70, ""),
		provider.NewMockProvider("mike").Script(trade.ActionBuy, 70, ""),
	}
	agg, err := New(votingConfig(StrategyMajority, nil), ps, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)

	names := make([]string, len(d.Providers))
	for i, v := range d.Providers {
		names[i] = v.ProviderName
	}
	assert.Equal(t, []string{"alpha", "mike", "zulu"}, names)
}

type staticWeights map[string]float64

func (w staticWeights) ProviderWeights() map[string]float64 { return w }

func TestWeightSourceOverridesConfig(t *testing.T) {
	a := provider.NewMockProvider("a").Script(trade.ActionBuy, 60, "")
	b := provider.NewMockProvider("b").Script(trade.ActionSell, 90, "")

	// Config favors b, the learned weights favor a decisively.
	agg, err := New(votingConfig(StrategyWeighted, map[string]float64{"a": 0.1, "b": 0.9}),
		[]provider.Provider{a, b}, staticWeights{"a": 0.9, "b": 0.1})
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionBuy, d.Action)
}

func TestStackingConsensusPassesThrough(t *testing.T) {
	ps := []provider.Provider{
		provider.NewMockProvider("a").Script(trade.ActionBuy, 80, ""),
		provider.NewMockProvider("b").Script(trade.ActionBuy, 75, ""),
		provider.NewMockProvider("c").Script(trade.ActionBuy, 85, ""),
	}
	agg, err := New(votingConfig(StrategyStacking, nil), ps, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionBuy, d.Action)
	assert.Greater(t, d.Confidence, 50.0)

	f := d.Ensemble["meta_features"].(MetaFeatures)
	assert.Equal(t, 1.0, f.AgreementRatio)
	assert.Equal(t, 80.0, f.ConfidenceMean)
}

func TestStackingSplitCollapsesToHold(t *testing.T) {
	ps := []provider.Provider{
		provider.NewMockProvider("a").Script(trade.ActionBuy, 60, ""),
		provider.NewMockProvider("b").Script(trade.ActionSell, 60, ""),
		provider.NewMockProvider("c").Script(trade.ActionHold, 60, ""),
	}
	agg, err := New(votingConfig(StrategyStacking, nil), ps, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionHold, d.Action)
}

func TestComputeMetaFeatures(t *testing.T) {
	votes := []trade.ProviderDecision{
		{ProviderName: "a", Action: trade.ActionBuy, Confidence: 80},
		{ProviderName: "b", Action: trade.ActionBuy, Confidence: 60},
		{ProviderName: "c", Action: trade.ActionSell, Confidence: 70},
	}
	f := computeMetaFeatures(votes)
	assert.InDelta(t, 2.0/3.0, f.AgreementRatio, 1e-9)
	assert.InDelta(t, 70.0, f.ConfidenceMean, 1e-9)
	assert.Equal(t, 60.0, f.ConfidenceMin)
	assert.Equal(t, 80.0, f.ConfidenceMax)
	assert.Equal(t, 2, f.ActionDiversity)
	assert.Equal(t, trade.ActionBuy, f.DominantAction)
}

// Debate mode end to end: bull and bear argue, the judge holds and its
// reasoning carries both advocates' positions.
func TestDebateMode(t *testing.T) {
	bull := provider.NewMockProvider("bull").Script(trade.ActionBuy, 75, "momentum favors upside")
	bear := provider.NewMockProvider("bear").Script(trade.ActionSell, 65, "bearish divergence on RSI")
	judge := provider.NewMockProvider("judge").ScriptJudge(trade.ActionHold, 55, "both cases have merit.")

	cfg := votingConfig(StrategyDebate, nil)
	cfg.DebateRoles = map[string]string{"bull": "bull", "bear": "bear", "judge": "judge"}
	agg, err := New(cfg, []provider.Provider{bull, bear, judge}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)

	assert.Equal(t, trade.ActionHold, d.Action)
	assert.Equal(t, 55.0, d.Confidence)
	assert.Contains(t, d.Reasoning, "momentum favors upside")
	assert.Contains(t, d.Reasoning, "bearish divergence on RSI")
	assert.Len(t, d.Providers, 3)
}

func TestDebateAdvocateFailureHolds(t *testing.T) {
	bull := provider.NewMockProvider("bull").FailWith(errors.New("timeout"))
	bear := provider.NewMockProvider("bear").Script(trade.ActionSell, 65, "weak tape")
	judge := provider.NewMockProvider("judge").ScriptJudge(trade.ActionSell, 80, "")

	cfg := votingConfig(StrategyDebate, nil)
	cfg.DebateRoles = map[string]string{"bull": "bull", "bear": "bear", "judge": "judge"}
	agg, err := New(cfg, []provider.Provider{bull, bear, judge}, nil)
	require.NoError(t, err)

	d, err := agg.Decide(context.Background(), testMarketContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionHold, d.Action)
	assert.Equal(t, "insufficient", d.Ensemble["quorum"])
}

func TestRenormalize(t *testing.T) {
	usable := []trade.ProviderDecision{{ProviderName: "a"}, {ProviderName: "c"}}
	out := renormalize(map[string]float64{"a": 0.4, "b": 0.4, "c": 0.2}, usable)
	assert.InDelta(t, 2.0/3.0, out["a"], 1e-9)
	assert.InDelta(t, 1.0/3.0, out["c"], 1e-9)

	// Zero total falls back to equal weights.
	out = renormalize(map[string]float64{}, usable)
	assert.InDelta(t, 0.5, out["a"], 1e-9)
	assert.InDelta(t, 0.5, out["c"], 1e-9)
}
