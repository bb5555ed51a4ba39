package platform

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/trade"
)

// Binance executes spot market orders on Binance. Spot has no native
// position concept, so the adapter tracks positions it opened; restart
// recovery replays from the decision store, not from the venue.
type Binance struct {
	client *binance.Client
	log    zerolog.Logger

	mu        sync.Mutex
	positions map[string]trade.Position
	fills     map[string]trade.Fill
}

// NewBinance creates a Binance spot adapter.
func NewBinance(cfg config.PlatformConfig) *Binance {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	b := &Binance{
		client:    binance.NewClient(cfg.APIKey, cfg.SecretKey),
		log:       config.NewLogger("platform.binance"),
		positions: make(map[string]trade.Position),
		fills:     make(map[string]trade.Fill),
	}
	b.log.Info().Bool("testnet", cfg.Testnet).Msg("Binance platform initialized")
	return b
}

// Name implements Platform.
func (b *Binance) Name() string { return "binance" }

// Balance implements Platform.
func (b *Binance) Balance(ctx context.Context) (map[string]float64, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}
	out := make(map[string]float64, len(account.Balances))
	for _, bal := range account.Balances {
		free, err := strconv.ParseFloat(bal.Free, 64)
		if err != nil {
			continue
		}
		if free > 0 {
			out[bal.Asset] = free
		}
	}
	return out, nil
}

// OpenPositions implements Platform.
func (b *Binance) OpenPositions(ctx context.Context) ([]trade.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]trade.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out, nil
}

// Execute implements Platform. The order's client id becomes the venue
// client order id, so replays return the original fill.
func (b *Binance) Execute(ctx context.Context, order trade.Order) (trade.Fill, error) {
	if order.ClientID == "" {
		return trade.Fill{}, trade.Permanentf("order missing client id")
	}

	b.mu.Lock()
	if fill, ok := b.fills[order.ClientID]; ok {
		b.mu.Unlock()
		return fill, nil
	}
	b.mu.Unlock()

	side := binance.SideTypeBuy
	if order.Side == trade.SideShort {
		side = binance.SideTypeSell
	}

	resp, err := b.client.NewCreateOrderService().
		Symbol(order.Asset).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(order.Size, 'f', -1, 64)).
		NewClientOrderID(order.ClientID).
		Do(ctx)
	if err != nil {
		return trade.Fill{}, classifyErr(err)
	}

	price, fees := fillTotals(resp.Fills)
	if price == 0 {
		price, _ = strconv.ParseFloat(resp.Price, 64)
	}

	fill := trade.Fill{
		PositionID:  strconv.FormatInt(resp.OrderID, 10),
		FilledPrice: price,
		Fees:        fees,
		FilledAt:    time.UnixMilli(resp.TransactTime),
	}

	b.mu.Lock()
	b.fills[order.ClientID] = fill
	b.positions[fill.PositionID] = trade.Position{
		ID:         fill.PositionID,
		Asset:      order.Asset,
		Side:       order.Side,
		EntryPrice: price,
		Size:       order.Size,
		MarkPrice:  price,
		EntryTime:  fill.FilledAt,
	}
	b.mu.Unlock()

	b.log.Info().
		Str("asset", order.Asset).
		Str("side", string(order.Side)).
		Float64("fill_price", price).
		Str("position_id", fill.PositionID).
		Msg("Order filled")
	return fill, nil
}

// Close implements Platform by submitting the opposite market order.
func (b *Binance) Close(ctx context.Context, positionID string) (CloseResult, error) {
	b.mu.Lock()
	pos, ok := b.positions[positionID]
	b.mu.Unlock()
	if !ok {
		return CloseResult{}, trade.Permanent(fmt.Errorf("%w: %s", ErrPositionNotFound, positionID))
	}

	side := binance.SideTypeSell
	if pos.Side == trade.SideShort {
		side = binance.SideTypeBuy
	}

	resp, err := b.client.NewCreateOrderService().
		Symbol(pos.Asset).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(pos.Size, 'f', -1, 64)).
		NewClientOrderID("close-" + positionID).
		Do(ctx)
	if err != nil {
		return CloseResult{}, classifyErr(err)
	}

	exit, fees := fillTotals(resp.Fills)
	pnl := (exit - pos.EntryPrice) * pos.Size
	if pos.Side == trade.SideShort {
		pnl = -pnl
	}
	pnl -= fees

	b.mu.Lock()
	delete(b.positions, positionID)
	b.mu.Unlock()

	result := CloseResult{
		PositionID:  positionID,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		Fees:        fees,
		ClosedAt:    time.UnixMilli(resp.TransactTime),
	}
	b.log.Info().
		Str("position_id", positionID).
		Float64("exit_price", exit).
		Float64("realized_pnl", pnl).
		Msg("Position closed")
	return result, nil
}

// fillTotals aggregates partial fills into a volume-weighted price and
// total commission.
func fillTotals(fills []*binance.Fill) (price, fees float64) {
	totalQty := 0.0
	totalQuote := 0.0
	for _, f := range fills {
		p, err1 := strconv.ParseFloat(f.Price, 64)
		q, err2 := strconv.ParseFloat(f.Quantity, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		totalQty += q
		totalQuote += p * q
		if c, err := strconv.ParseFloat(f.Commission, 64); err == nil {
			fees += c
		}
	}
	if totalQty > 0 {
		price = totalQuote / totalQty
	}
	return price, fees
}

func classifyErr(err error) error {
	if trade.IsPermanent(err) {
		return trade.Permanent(err)
	}
	return err
}
