// Package provider defines the decision provider contract and its
// reference implementations. Providers are opaque to the aggregator:
// given a market context they return one ProviderDecision or fail.
package provider

import (
	"context"
	"errors"

	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/trade"
)

// ErrEmptyResponse is returned when a provider answers with no usable content.
var ErrEmptyResponse = errors.New("provider: empty response")

// Provider produces a trading opinion for one asset. Implementations
// must be safe for concurrent use and must obey the context deadline.
type Provider interface {
	Name() string
	Decide(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot) (trade.ProviderDecision, error)
}

// Judge is the optional capability used by debate mode: the judge
// receives the advocates' transcripts on top of the base context and
// makes the final call.
type Judge interface {
	Provider
	JudgeDebate(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot, bullArgument, bearArgument string) (trade.ProviderDecision, error)
}
