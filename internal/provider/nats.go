package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/trade"
)

// decideSubject is the request/reply subject pattern for remote
// providers: marketmind.provider.<name>.decide.
const decideSubject = "marketmind.provider.%s.decide"

// decideRequest is the wire payload sent to a remote provider.
type decideRequest struct {
	Asset      string                                 `json:"asset"`
	AssetClass trade.AssetClass                       `json:"asset_class"`
	LastPrice  float64                                `json:"last_price"`
	Regime     market.Regime                          `json:"regime"`
	Volatility float64                                `json:"volatility"`
	Indicators map[market.Timeframe]market.Indicators `json:"indicators"`
	Portfolio  *trade.PortfolioSnapshot               `json:"portfolio,omitempty"`
}

// NATSProvider invokes an out-of-process model over NATS request/reply,
// so ensembles can mix in-process and remote participants.
type NATSProvider struct {
	name string
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNATSProvider creates a remote provider speaking request/reply on
// the shared connection.
func NewNATSProvider(name string, conn *nats.Conn) *NATSProvider {
	return &NATSProvider{
		name: name,
		conn: conn,
		log:  config.NewLogger("provider." + name),
	}
}

// Name implements Provider.
func (p *NATSProvider) Name() string { return p.name }

// Decide implements Provider.
func (p *NATSProvider) Decide(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot) (trade.ProviderDecision, error) {
	d := trade.ProviderDecision{ProviderName: p.name}

	payload, err := json.Marshal(decideRequest{
		Asset:      mc.Asset,
		AssetClass: mc.Class,
		LastPrice:  mc.LastPrice,
		Regime:     mc.Regime,
		Volatility: mc.Volatility,
		Indicators: mc.Indicators,
		Portfolio:  ps,
	})
	if err != nil {
		return d, fmt.Errorf("marshal decide request: %w", err)
	}

	start := time.Now()
	msg, err := p.conn.RequestWithContext(ctx, fmt.Sprintf(decideSubject, p.name), payload)
	if err != nil {
		return d, fmt.Errorf("nats request: %w", err)
	}
	d.LatencyMS = time.Since(start).Milliseconds()

	if len(msg.Data) == 0 {
		return d, ErrEmptyResponse
	}

	var v verdict
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return d, fmt.Errorf("unmarshal reply: %w", err)
	}
	action, err := normalizeAction(v.Action)
	if err != nil {
		return d, err
	}

	d.Action = action
	d.Confidence = clampConfidence(v.Confidence)
	d.Reasoning = v.Reasoning

	p.log.Debug().
		Str("action", string(d.Action)).
		Float64("confidence", d.Confidence).
		Int64("latency_ms", d.LatencyMS).
		Msg("Remote provider decision")

	return d, nil
}
