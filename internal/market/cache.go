package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CachedProvider wraps a Provider with Redis read-through caching.
// Cache failures degrade to direct provider calls.
type CachedProvider struct {
	inner Provider
	redis *redis.Client
	ttl   time.Duration
}

type priceEntry struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCachedProvider creates a caching decorator around p.
func NewCachedProvider(p Provider, redisClient *redis.Client, ttl time.Duration) *CachedProvider {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &CachedProvider{
		inner: p,
		redis: redisClient,
		ttl:   ttl,
	}
}

// Name returns the inner provider's name.
func (c *CachedProvider) Name() string { return c.inner.Name() }

// Price fetches the latest price, serving from cache when fresh.
func (c *CachedProvider) Price(ctx context.Context, asset string) (float64, time.Time, error) {
	key := fmt.Sprintf("market:price:%s:%s", c.inner.Name(), asset)

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	cached, err := c.redis.Get(cacheCtx, key).Result()
	cancel()
	if err == nil {
		var entry priceEntry
		if err := json.Unmarshal([]byte(cached), &entry); err == nil {
			log.Debug().Str("asset", asset).Msg("Price cache hit")
			return entry.Price, entry.Timestamp, nil
		}
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached price, fetching fresh")
	} else if err != redis.Nil {
		log.Debug().Err(err).Str("key", key).Msg("Redis error during cache lookup")
	}

	price, ts, err := c.inner.Price(ctx, asset)
	if err != nil {
		return 0, time.Time{}, err
	}

	c.store(key, priceEntry{Price: price, Timestamp: ts})
	return price, ts, nil
}

// Candles fetches candles, serving from cache when fresh.
func (c *CachedProvider) Candles(ctx context.Context, asset string, tf Timeframe, window int) ([]Candle, error) {
	key := fmt.Sprintf("market:candles:%s:%s:%s:%d", c.inner.Name(), asset, tf, window)

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	cached, err := c.redis.Get(cacheCtx, key).Result()
	cancel()
	if err == nil {
		var out []Candle
		if err := json.Unmarshal([]byte(cached), &out); err == nil {
			log.Debug().Str("asset", asset).Str("timeframe", string(tf)).Msg("Candle cache hit")
			return out, nil
		}
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached candles, fetching fresh")
	} else if err != redis.Nil {
		log.Debug().Err(err).Str("key", key).Msg("Redis error during cache lookup")
	}

	out, err := c.inner.Candles(ctx, asset, tf, window)
	if err != nil {
		return nil, err
	}

	c.store(key, out)
	return out, nil
}

// store writes to cache asynchronously; write failures are logged only.
func (c *CachedProvider) store(key string, value interface{}) {
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		data, err := json.Marshal(value)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to marshal for cache")
			return
		}
		if err := c.redis.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to write cache")
		}
	}()
}
