package platform

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/pair"
	"github.com/marketmind/marketmind/internal/trade"
)

// Paper simulates a spot venue against live or scripted prices with
// realistic slippage and taker fees. All fills are immediate.
type Paper struct {
	prices market.Provider
	log    zerolog.Logger

	baseSlippage float64
	marketImpact float64
	maxSlippage  float64
	takerFee     float64

	mu        sync.Mutex
	cash      float64
	positions map[string]trade.Position
	fills     map[string]trade.Fill // by client id, for idempotent Execute
	realized  float64
	now       func() time.Time
}

// NewPaper creates a paper platform funded with cfg.InitialCapital.
func NewPaper(cfg config.PlatformConfig, prices market.Provider) *Paper {
	p := &Paper{
		prices:       prices,
		log:          config.NewLogger("platform.paper"),
		baseSlippage: cfg.BaseSlippage,
		marketImpact: cfg.MarketImpact,
		maxSlippage:  cfg.MaxSlippage,
		takerFee:     cfg.TakerFee,
		cash:         cfg.InitialCapital,
		positions:    make(map[string]trade.Position),
		fills:        make(map[string]trade.Fill),
		now:          time.Now,
	}
	if p.baseSlippage == 0 {
		p.baseSlippage = 0.0005
	}
	if p.maxSlippage == 0 {
		p.maxSlippage = 0.003
	}
	if p.takerFee == 0 {
		p.takerFee = 0.001
	}
	p.log.Info().Float64("initial_capital", p.cash).Msg("Paper platform initialized")
	return p
}

// Name implements Platform.
func (p *Paper) Name() string { return "paper" }

// Balance implements Platform.
func (p *Paper) Balance(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]float64{"USDT": p.cash}
	for _, pos := range p.positions {
		base := pos.Asset
		if parsed, err := pair.Parse(pos.Asset); err == nil {
			base = parsed.Base
		}
		out[base] += pos.Size
	}
	return out, nil
}

// OpenPositions implements Platform.
func (p *Paper) OpenPositions(ctx context.Context) ([]trade.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]trade.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// RealizedPnL reports cumulative realized profit and loss.
func (p *Paper) RealizedPnL() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realized
}

// Execute implements Platform. Replaying a client id returns the
// original fill without trading again.
func (p *Paper) Execute(ctx context.Context, order trade.Order) (trade.Fill, error) {
	if order.ClientID == "" {
		return trade.Fill{}, trade.Permanentf("order missing client id")
	}
	if order.Size <= 0 {
		return trade.Fill{}, trade.Permanentf("order size must be positive, got %v", order.Size)
	}

	p.mu.Lock()
	if fill, ok := p.fills[order.ClientID]; ok {
		p.mu.Unlock()
		p.log.Debug().Str("client_id", order.ClientID).Msg("Duplicate order, returning original fill")
		return fill, nil
	}
	p.mu.Unlock()

	mid, _, err := p.prices.Price(ctx, order.Asset)
	if err != nil {
		return trade.Fill{}, fmt.Errorf("fetch fill price: %w", err)
	}

	slip := p.slippage(order.Size, mid)
	fillPrice := mid * (1 + slip)
	if order.Side == trade.SideShort {
		fillPrice = mid * (1 - slip)
	}
	notional := fillPrice * order.Size
	fees := notional * p.takerFee

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check under the lock: a concurrent replay may have won.
	if fill, ok := p.fills[order.ClientID]; ok {
		return fill, nil
	}
	if order.Side == trade.SideLong && p.cash < notional+fees {
		return trade.Fill{}, trade.Permanentf("insufficient funds: need %.2f, have %.2f", notional+fees, p.cash)
	}

	if order.Side == trade.SideLong {
		p.cash -= notional + fees
	} else {
		p.cash += notional - fees
	}

	pos := trade.Position{
		ID:         uuid.NewString(),
		Asset:      order.Asset,
		Side:       order.Side,
		EntryPrice: fillPrice,
		Size:       order.Size,
		MarkPrice:  fillPrice,
		EntryTime:  p.now(),
	}
	p.positions[pos.ID] = pos

	fill := trade.Fill{
		PositionID:  pos.ID,
		FilledPrice: fillPrice,
		Fees:        fees,
		FilledAt:    pos.EntryTime,
	}
	p.fills[order.ClientID] = fill

	p.log.Info().
		Str("asset", order.Asset).
		Str("side", string(order.Side)).
		Float64("size", order.Size).
		Float64("fill_price", fillPrice).
		Float64("slippage_pct", slip*100).
		Float64("fees", fees).
		Str("position_id", pos.ID).
		Msg("Order filled")
	return fill, nil
}

// Close implements Platform.
func (p *Paper) Close(ctx context.Context, positionID string) (CloseResult, error) {
	p.mu.Lock()
	pos, ok := p.positions[positionID]
	p.mu.Unlock()
	if !ok {
		return CloseResult{}, trade.Permanent(fmt.Errorf("%w: %s", ErrPositionNotFound, positionID))
	}

	mid, _, err := p.prices.Price(ctx, pos.Asset)
	if err != nil {
		return CloseResult{}, fmt.Errorf("fetch exit price: %w", err)
	}

	slip := p.slippage(pos.Size, mid)
	exit := mid * (1 - slip)
	if pos.Side == trade.SideShort {
		exit = mid * (1 + slip)
	}
	notional := exit * pos.Size
	fees := notional * p.takerFee

	pnl := (exit - pos.EntryPrice) * pos.Size
	if pos.Side == trade.SideShort {
		pnl = -pnl
	}
	pnl -= fees

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, stillOpen := p.positions[positionID]; !stillOpen {
		return CloseResult{}, trade.Permanent(fmt.Errorf("%w: %s", ErrPositionNotFound, positionID))
	}
	delete(p.positions, positionID)

	if pos.Side == trade.SideLong {
		p.cash += notional - fees
	} else {
		p.cash -= notional + fees
	}
	p.realized += pnl

	result := CloseResult{
		PositionID:  positionID,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		Fees:        fees,
		ClosedAt:    p.now(),
	}
	p.log.Info().
		Str("position_id", positionID).
		Str("asset", pos.Asset).
		Float64("exit_price", exit).
		Float64("realized_pnl", pnl).
		Msg("Position closed")
	return result, nil
}

// slippage grows with order size relative to a nominal book depth and
// is capped at maxSlippage.
func (p *Paper) slippage(quantity, price float64) float64 {
	notional := quantity * price
	impact := p.marketImpact * notional / 100000
	return math.Min(p.baseSlippage+impact, p.maxSlippage)
}
