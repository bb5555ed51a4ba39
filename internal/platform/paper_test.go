package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/trade"
)

func newPaper(t *testing.T, capital float64) (*Paper, *market.MockProvider) {
	t.Helper()
	prices := market.NewMockProvider()
	p := NewPaper(config.PlatformConfig{
		InitialCapital: capital,
		TakerFee:       0.001,
		BaseSlippage:   0.0005,
		MaxSlippage:    0.003,
	}, prices)
	return p, prices
}

func TestPaperExecuteAndClose(t *testing.T) {
	p, prices := newPaper(t, 10000)
	prices.SetPrice("BTCUSDT", 100)

	fill, err := p.Execute(context.Background(), trade.Order{
		ClientID: "ord-1",
		Asset:    "BTCUSDT",
		Side:     trade.SideLong,
		Size:     1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, fill.PositionID)
	assert.InDelta(t, 100, fill.FilledPrice, 1.0, "fill near mid with slippage")
	assert.Greater(t, fill.FilledPrice, 100.0, "buys fill above mid")
	assert.Greater(t, fill.Fees, 0.0)

	positions, err := p.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)

	prices.SetPrice("BTCUSDT", 105)
	result, err := p.Close(context.Background(), fill.PositionID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, result.RealizedPnL, 1.0)
	assert.Greater(t, result.RealizedPnL, 0.0)

	positions, err = p.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.InDelta(t, result.RealizedPnL, p.RealizedPnL(), 1e-9)
}

// Replaying the same client id must return the original fill and open
// only one position.
func TestPaperExecuteIdempotent(t *testing.T) {
	p, prices := newPaper(t, 10000)
	prices.SetPrice("BTCUSDT", 100)

	order := trade.Order{ClientID: "dup-1", Asset: "BTCUSDT", Side: trade.SideLong, Size: 1}
	first, err := p.Execute(context.Background(), order)
	require.NoError(t, err)

	second, err := p.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, first.PositionID, second.PositionID)
	assert.Equal(t, first.FilledPrice, second.FilledPrice)

	positions, _ := p.OpenPositions(context.Background())
	assert.Len(t, positions, 1)
}

func TestPaperInsufficientFundsIsPermanent(t *testing.T) {
	p, prices := newPaper(t, 50)
	prices.SetPrice("BTCUSDT", 100)

	_, err := p.Execute(context.Background(), trade.Order{
		ClientID: "ord-1", Asset: "BTCUSDT", Side: trade.SideLong, Size: 1,
	})
	require.Error(t, err)
	assert.True(t, trade.IsPermanent(err), "insufficient funds must not trip the breaker")
}

func TestPaperRejectsBadOrders(t *testing.T) {
	p, prices := newPaper(t, 10000)
	prices.SetPrice("BTCUSDT", 100)

	_, err := p.Execute(context.Background(), trade.Order{Asset: "BTCUSDT", Side: trade.SideLong, Size: 1})
	assert.True(t, trade.IsPermanent(err), "missing client id")

	_, err = p.Execute(context.Background(), trade.Order{ClientID: "x", Asset: "BTCUSDT", Side: trade.SideLong, Size: 0})
	assert.True(t, trade.IsPermanent(err), "non-positive size")
}

func TestPaperCloseUnknownPosition(t *testing.T) {
	p, _ := newPaper(t, 10000)
	_, err := p.Close(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, trade.IsPermanent(err))
}

func TestPaperShortRoundTrip(t *testing.T) {
	p, prices := newPaper(t, 10000)
	prices.SetPrice("ETHUSDT", 2000)

	fill, err := p.Execute(context.Background(), trade.Order{
		ClientID: "short-1", Asset: "ETHUSDT", Side: trade.SideShort, Size: 1,
	})
	require.NoError(t, err)
	assert.Less(t, fill.FilledPrice, 2000.0, "sells fill below mid")

	prices.SetPrice("ETHUSDT", 1900)
	result, err := p.Close(context.Background(), fill.PositionID)
	require.NoError(t, err)
	assert.Greater(t, result.RealizedPnL, 0.0, "short profits when price falls")
}

func TestSlippageCapped(t *testing.T) {
	p, _ := newPaper(t, 10000)
	p.marketImpact = 1
	assert.Equal(t, p.maxSlippage, p.slippage(1000, 1000), "huge orders hit the cap")
	assert.InDelta(t, p.baseSlippage, p.slippage(0.0001, 100), 1e-6, "tiny orders pay base slippage")
}

func TestPaperBalanceTracksPositions(t *testing.T) {
	p, prices := newPaper(t, 10000)
	prices.SetPrice("BTCUSDT", 100)

	_, err := p.Execute(context.Background(), trade.Order{
		ClientID: "bal-1", Asset: "BTCUSDT", Side: trade.SideLong, Size: 2,
	})
	require.NoError(t, err)

	balances, err := p.Balance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.0, balances["BTC"], 1e-9)
	assert.Less(t, balances["USDT"], 10000.0)
}
