package market

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Provider supplies prices and candles for assets. Implementations must
// obey the passed context's deadline and declare their name.
type Provider interface {
	Name() string

	// Price returns the latest trade price and its timestamp.
	Price(ctx context.Context, asset string) (float64, time.Time, error)

	// Candles returns up to window most recent bars for the timeframe,
	// oldest first.
	Candles(ctx context.Context, asset string, tf Timeframe, window int) ([]Candle, error)
}

// RateLimited decorates a provider with a token-bucket rate limiter so
// tracker price polls cannot exceed the venue's hint.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p with a limiter of perSecond events and burst capacity.
func NewRateLimited(p Provider, perSecond float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Name returns the inner provider's name.
func (r *RateLimited) Name() string { return r.inner.Name() }

// Price waits for a rate token, then delegates.
func (r *RateLimited) Price(ctx context.Context, asset string) (float64, time.Time, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.Price(ctx, asset)
}

// Candles waits for a rate token, then delegates.
func (r *RateLimited) Candles(ctx context.Context, asset string, tf Timeframe, window int) ([]Candle, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.Candles(ctx, asset, tf, window)
}
