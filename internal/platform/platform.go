// Package platform defines the trading platform adapter contract and
// its implementations: a paper simulator and Binance spot.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/marketmind/marketmind/internal/trade"
)

// ErrPositionNotFound is returned by Close for an unknown position id.
var ErrPositionNotFound = errors.New("platform: position not found")

// CloseResult is the platform's confirmation of a closed position.
type CloseResult struct {
	PositionID  string    `json:"position_id"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Fees        float64   `json:"fees"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Platform is the capability set every trading venue adapter exposes.
// Execute must be idempotent under the order's client id: replaying the
// same order returns the original fill. Adapters must classify errors
// as transient or permanent so the breaker counts them correctly.
type Platform interface {
	Name() string
	Balance(ctx context.Context) (map[string]float64, error)
	OpenPositions(ctx context.Context) ([]trade.Position, error)
	Execute(ctx context.Context, order trade.Order) (trade.Fill, error)
	Close(ctx context.Context, positionID string) (CloseResult, error)
}
