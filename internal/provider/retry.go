package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/trade"
)

// retryBaseDelay is the first backoff step; it doubles per attempt.
const retryBaseDelay = 200 * time.Millisecond

// WithRetry decorates a provider so transient failures are retried with
// exponential backoff up to maxRetries extra attempts. Permanent errors
// (auth, bad request) return immediately. A decorated Judge stays a
// Judge.
func WithRetry(p Provider, maxRetries int) Provider {
	if maxRetries <= 0 {
		return p
	}
	r := &retryProvider{
		inner:      p,
		maxRetries: maxRetries,
		log:        config.NewLogger("provider.retry"),
	}
	if j, ok := p.(Judge); ok {
		return &retryJudge{retryProvider: r, judge: j}
	}
	return r
}

type retryProvider struct {
	inner      Provider
	maxRetries int
	log        zerolog.Logger
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Decide(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot) (trade.ProviderDecision, error) {
	return r.attempt(ctx, func() (trade.ProviderDecision, error) {
		return r.inner.Decide(ctx, mc, ps)
	})
}

func (r *retryProvider) attempt(ctx context.Context, fn func() (trade.ProviderDecision, error)) (trade.ProviderDecision, error) {
	delay := retryBaseDelay
	var d trade.ProviderDecision
	var err error
	for i := 0; i <= r.maxRetries; i++ {
		if i > 0 {
			r.log.Warn().
				Str("provider", r.inner.Name()).
				Int("attempt", i).
				Err(err).
				Msg("Retrying provider call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return trade.ProviderDecision{}, ctx.Err()
			}
			delay *= 2
		}
		d, err = fn()
		if err == nil {
			return d, nil
		}
		if trade.IsPermanent(err) || ctx.Err() != nil {
			return d, err
		}
	}
	return d, err
}

type retryJudge struct {
	*retryProvider
	judge Judge
}

func (r *retryJudge) JudgeDebate(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot, bullArgument, bearArgument string) (trade.ProviderDecision, error) {
	return r.attempt(ctx, func() (trade.ProviderDecision, error) {
		return r.judge.JudgeDebate(ctx, mc, ps, bullArgument, bearArgument)
	})
}
