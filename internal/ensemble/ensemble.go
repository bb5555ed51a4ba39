// Package ensemble aggregates multiple decision providers into a single
// Decision according to the configured strategy.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/metrics"
	"github.com/marketmind/marketmind/internal/provider"
	"github.com/marketmind/marketmind/internal/trade"
)

// Strategy names accepted by the aggregator.
const (
	StrategySingle   = "single"
	StrategyWeighted = "weighted"
	StrategyMajority = "majority"
	StrategyStacking = "stacking"
	StrategyDebate   = "debate"
)

// minQuorum is the number of usable providers a voting ensemble needs.
const minQuorum = 2

// ErrNoProviders is returned at construction for an empty provider set.
var ErrNoProviders = errors.New("ensemble: no providers configured")

// WeightSource supplies the current provider weights. The portfolio
// memory is the single writer; the aggregator only reads snapshots.
type WeightSource interface {
	ProviderWeights() map[string]float64
}

// Aggregator fans out to providers and folds their votes into one Decision.
type Aggregator struct {
	cfg       config.EnsembleConfig
	providers map[string]provider.Provider
	weights   WeightSource
	meta      MetaLearner
	log       zerolog.Logger
}

// New creates an aggregator. Configuration errors (unknown strategy,
// empty provider set, missing debate roles) are fatal here, not at
// decision time.
func New(cfg config.EnsembleConfig, providers []provider.Provider, weights WeightSource) (*Aggregator, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	byName := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("ensemble: duplicate provider %q", p.Name())
		}
		byName[p.Name()] = p
	}

	switch cfg.Strategy {
	case StrategySingle:
		if len(providers) != 1 {
			return nil, fmt.Errorf("ensemble: single strategy needs exactly one provider, got %d", len(providers))
		}
	case StrategyWeighted, StrategyMajority, StrategyStacking:
	case StrategyDebate:
		for _, role := range []string{"bull", "bear", "judge"} {
			name, ok := cfg.DebateRoles[role]
			if !ok {
				return nil, fmt.Errorf("ensemble: debate role %q not assigned", role)
			}
			if _, ok := byName[name]; !ok {
				return nil, fmt.Errorf("ensemble: debate role %q names unknown provider %q", role, name)
			}
		}
		if _, ok := byName[cfg.DebateRoles["judge"]].(provider.Judge); !ok {
			return nil, fmt.Errorf("ensemble: judge provider %q cannot judge", cfg.DebateRoles["judge"])
		}
	default:
		return nil, fmt.Errorf("ensemble: unknown strategy %q", cfg.Strategy)
	}

	return &Aggregator{
		cfg:       cfg,
		providers: byName,
		weights:   weights,
		meta:      defaultMetaLearner{},
		log:       config.NewLogger("ensemble"),
	}, nil
}

// SetMetaLearner replaces the stacking meta-learner.
func (a *Aggregator) SetMetaLearner(m MetaLearner) { a.meta = m }

// Decide produces one Decision for the asset in mc. Recoverable
// provider failures never surface as errors; they become errored votes.
func (a *Aggregator) Decide(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot) (*trade.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.OverallTimeout)
	defer cancel()

	d := &trade.Decision{
		ID:         uuid.New(),
		Timestamp:  time.Now().UTC(),
		Asset:      mc.Asset,
		AssetClass: mc.Class,
		Ensemble:   map[string]interface{}{"strategy": a.cfg.Strategy},
	}

	if a.cfg.Strategy == StrategyDebate {
		if err := a.debate(ctx, mc, ps, d); err != nil {
			return nil, err
		}
		metrics.DecisionsTotal.WithLabelValues(string(d.Action), a.cfg.Strategy).Inc()
		return d, nil
	}

	votes := a.fanOut(ctx, mc, ps)
	d.Providers = votes

	switch a.cfg.Strategy {
	case StrategySingle:
		a.aggregateSingle(d, votes)
	case StrategyWeighted:
		a.aggregateVoting(d, votes, a.currentWeights(votes))
	case StrategyMajority:
		a.aggregateVoting(d, votes, equalWeights(votes))
	case StrategyStacking:
		a.aggregateStacking(d, votes)
	}

	metrics.DecisionsTotal.WithLabelValues(string(d.Action), a.cfg.Strategy).Inc()
	a.log.Info().
		Str("asset", d.Asset).
		Str("action", string(d.Action)).
		Float64("confidence", d.Confidence).
		Str("strategy", a.cfg.Strategy).
		Str("decision_id", d.ID.String()).
		Msg("Decision aggregated")
	return d, nil
}

// fanOut queries every provider in parallel with a per-provider timeout
// and returns the votes sorted lexicographically by provider name.
func (a *Aggregator) fanOut(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot) []trade.ProviderDecision {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		votes = make([]trade.ProviderDecision, 0, len(a.providers))
	)

	for name, p := range a.providers {
		wg.Add(1)
		go func(name string, p provider.Provider) {
			defer wg.Done()
			vote := a.query(ctx, p, mc, ps)
			mu.Lock()
			votes = append(votes, vote)
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	sort.Slice(votes, func(i, j int) bool {
		return votes[i].ProviderName < votes[j].ProviderName
	})
	return votes
}

func (a *Aggregator) query(ctx context.Context, p provider.Provider, mc *market.Context, ps *trade.PortfolioSnapshot) trade.ProviderDecision {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	vote, err := p.Decide(pctx, mc, ps)
	elapsed := time.Since(start)

	vote.ProviderName = p.Name()
	if vote.LatencyMS == 0 {
		vote.LatencyMS = elapsed.Milliseconds()
	}
	metrics.ProviderLatency.WithLabelValues(p.Name()).Observe(elapsed.Seconds())

	if err != nil {
		vote.Err = err.Error()
		vote.Action = ""
		metrics.ProviderErrors.WithLabelValues(p.Name()).Inc()
		a.log.Warn().Err(err).Str("provider", p.Name()).Msg("Provider errored this cycle")
	}
	return vote
}

func (a *Aggregator) aggregateSingle(d *trade.Decision, votes []trade.ProviderDecision) {
	v := votes[0]
	if v.Errored() {
		holdForQuorum(d, "provider errored")
		recordErrored(d, votes)
		return
	}
	d.Action = v.Action
	d.Confidence = v.Confidence
	d.Reasoning = v.Reasoning
}

// aggregateVoting implements weighted and majority voting: each usable
// provider contributes weight x confidence/100 to its action; argmax
// wins with ties resolving to HOLD; final confidence is the mean of the
// winning supporters' confidences.
func (a *Aggregator) aggregateVoting(d *trade.Decision, votes []trade.ProviderDecision, weights map[string]float64) {
	usable := usableVotes(votes)
	if len(usable) < minQuorum {
		metrics.QuorumFailures.Inc()
		holdForQuorum(d, fmt.Sprintf("%d usable providers, need %d", len(usable), minQuorum))
		return
	}

	weights = renormalize(weights, usable)
	d.Ensemble["weights"] = weights
	for name, w := range weights {
		metrics.EnsembleWeight.WithLabelValues(name).Set(w)
	}

	tally := map[trade.Action]float64{}
	for _, v := range usable {
		tally[v.Action] += weights[v.ProviderName] * v.Confidence / 100
	}
	d.Ensemble["votes"] = map[string]float64{
		string(trade.ActionBuy):  tally[trade.ActionBuy],
		string(trade.ActionSell): tally[trade.ActionSell],
		string(trade.ActionHold): tally[trade.ActionHold],
	}

	winner := winningAction(tally)
	d.Action = winner

	var supporters, dissenters []trade.ProviderDecision
	for _, v := range usable {
		if v.Action == winner {
			supporters = append(supporters, v)
		} else {
			dissenters = append(dissenters, v)
		}
	}

	if len(supporters) == 0 {
		// Tie resolved to HOLD with no explicit HOLD votes.
		d.Confidence = 50
		d.Reasoning = "vote tied; defaulting to HOLD"
	} else {
		sum := 0.0
		var reasons []string
		for _, v := range supporters {
			sum += v.Confidence
			if v.Reasoning != "" {
				reasons = append(reasons, fmt.Sprintf("%s: %s", v.ProviderName, v.Reasoning))
			}
		}
		d.Confidence = sum / float64(len(supporters))
		d.Reasoning = strings.Join(reasons, " | ")
	}

	if len(dissenters) > 0 {
		var dissent []string
		for _, v := range dissenters {
			dissent = append(dissent, fmt.Sprintf("%s (%s %.0f): %s",
				v.ProviderName, v.Action, v.Confidence, v.Reasoning))
		}
		d.Ensemble["dissent"] = dissent
	}
	recordErrored(d, votes)
}

// winningAction takes argmax over BUY/SELL/HOLD; any tie involving the
// top score resolves to HOLD.
func winningAction(tally map[trade.Action]float64) trade.Action {
	buy, sell, hold := tally[trade.ActionBuy], tally[trade.ActionSell], tally[trade.ActionHold]
	switch {
	case buy > sell && buy > hold:
		return trade.ActionBuy
	case sell > buy && sell > hold:
		return trade.ActionSell
	default:
		return trade.ActionHold
	}
}

// currentWeights merges the memory-managed weights over the configured
// ones, falling back to equal weighting.
func (a *Aggregator) currentWeights(votes []trade.ProviderDecision) map[string]float64 {
	if a.weights != nil {
		if w := a.weights.ProviderWeights(); len(w) > 0 {
			return w
		}
	}
	if len(a.cfg.Weights) > 0 {
		return a.cfg.Weights
	}
	return equalWeights(votes)
}

func equalWeights(votes []trade.ProviderDecision) map[string]float64 {
	w := make(map[string]float64, len(votes))
	for _, v := range votes {
		w[v.ProviderName] = 1
	}
	return w
}

// renormalize redistributes errored providers' weight pro rata so the
// usable weights sum to 1.
func renormalize(weights map[string]float64, usable []trade.ProviderDecision) map[string]float64 {
	total := 0.0
	for _, v := range usable {
		total += weights[v.ProviderName]
	}
	out := make(map[string]float64, len(usable))
	if total <= 0 {
		for _, v := range usable {
			out[v.ProviderName] = 1 / float64(len(usable))
		}
		return out
	}
	for _, v := range usable {
		out[v.ProviderName] = weights[v.ProviderName] / total
	}
	return out
}

func usableVotes(votes []trade.ProviderDecision) []trade.ProviderDecision {
	out := make([]trade.ProviderDecision, 0, len(votes))
	for _, v := range votes {
		if !v.Errored() {
			out = append(out, v)
		}
	}
	return out
}

func holdForQuorum(d *trade.Decision, detail string) {
	d.Action = trade.ActionHold
	d.Confidence = 0
	d.Reasoning = "insufficient quorum: " + detail
	d.Ensemble["quorum"] = "insufficient"
}

func recordErrored(d *trade.Decision, votes []trade.ProviderDecision) {
	var errored []string
	for _, v := range votes {
		if v.Errored() {
			errored = append(errored, v.ProviderName)
		}
	}
	if len(errored) > 0 {
		d.Ensemble["errored_providers"] = errored
	}
}
