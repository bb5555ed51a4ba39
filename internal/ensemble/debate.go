package ensemble

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/provider"
	"github.com/marketmind/marketmind/internal/trade"
)

// debate runs the three-role protocol: bull and bear argue in parallel,
// the judge sees both transcripts plus the base context and decides.
func (a *Aggregator) debate(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot, d *trade.Decision) error {
	bull := a.providers[a.cfg.DebateRoles["bull"]]
	bear := a.providers[a.cfg.DebateRoles["bear"]]
	judge := a.providers[a.cfg.DebateRoles["judge"]].(provider.Judge)

	var bullVote, bearVote trade.ProviderDecision
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bullVote = a.query(gctx, bull, mc, ps)
		return nil
	})
	g.Go(func() error {
		bearVote = a.query(gctx, bear, mc, ps)
		return nil
	})
	_ = g.Wait()

	d.Providers = append(d.Providers, bullVote, bearVote)
	d.Ensemble["roles"] = a.cfg.DebateRoles

	if bullVote.Errored() || bearVote.Errored() {
		holdForQuorum(d, "advocate errored; debate cannot proceed")
		recordErrored(d, d.Providers)
		return nil
	}

	verdict := a.judgeQuery(ctx, judge, mc, ps, bullVote.Reasoning, bearVote.Reasoning)
	d.Providers = append(d.Providers, verdict)
	if verdict.Errored() {
		holdForQuorum(d, "judge errored")
		recordErrored(d, d.Providers)
		return nil
	}

	d.Action = verdict.Action
	d.Confidence = verdict.Confidence
	d.Reasoning = verdict.Reasoning

	a.log.Info().
		Str("asset", d.Asset).
		Str("bull", string(bullVote.Action)).
		Str("bear", string(bearVote.Action)).
		Str("verdict", string(verdict.Action)).
		Float64("confidence", verdict.Confidence).
		Msg("Debate concluded")
	return nil
}

func (a *Aggregator) judgeQuery(ctx context.Context, judge provider.Judge, mc *market.Context, ps *trade.PortfolioSnapshot, bullArg, bearArg string) trade.ProviderDecision {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	defer cancel()

	vote, err := judge.JudgeDebate(pctx, mc, ps, bullArg, bearArg)
	vote.ProviderName = judge.Name()
	if err != nil {
		vote.Err = fmt.Sprintf("judge: %v", err)
		vote.Action = ""
	}
	return vote
}
