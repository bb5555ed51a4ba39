package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/trade"
)

// Stance biases an LLM provider toward one side of a debate.
type Stance string

const (
	StanceNeutral Stance = ""
	StanceBull    Stance = "bull"
	StanceBear    Stance = "bear"
)

// LLMConfig configures an LLM-backed decision provider. The endpoint
// speaks the OpenAI chat-completions wire format.
type LLMConfig struct {
	Name        string
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Stance      Stance
}

// LLMProvider queries a chat-completions endpoint and parses the
// model's JSON verdict into a ProviderDecision.
type LLMProvider struct {
	cfg        LLMConfig
	httpClient *http.Client
	log        zerolog.Logger
}

// NewLLMProvider creates an LLM decision provider.
func NewLLMProvider(cfg LLMConfig) *LLMProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &LLMProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        config.NewLogger("provider." + cfg.Name),
	}
}

// Name implements Provider.
func (p *LLMProvider) Name() string { return p.cfg.Name }

// Decide implements Provider.
func (p *LLMProvider) Decide(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot) (trade.ProviderDecision, error) {
	return p.complete(ctx, systemPrompt(p.cfg.Stance), analysisPrompt(mc, ps))
}

// JudgeDebate implements Judge: the judge sees both transcripts plus
// the base context and must cite both sides in its reasoning.
func (p *LLMProvider) JudgeDebate(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot, bullArgument, bearArgument string) (trade.ProviderDecision, error) {
	user := analysisPrompt(mc, ps) + fmt.Sprintf(
		"\n\nBULL ADVOCATE ARGUES:\n%s\n\nBEAR ADVOCATE ARGUES:\n%s\n",
		bullArgument, bearArgument)
	return p.complete(ctx, judgeSystemPrompt, user)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (p *LLMProvider) complete(ctx context.Context, system, user string) (trade.ProviderDecision, error) {
	d := trade.ProviderDecision{ProviderName: p.cfg.Name}
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return d, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return d, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return d, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return d, fmt.Errorf("read response: %w", err)
	}

	d.LatencyMS = time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("llm status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusBadRequest {
			return d, trade.Permanent(err)
		}
		return d, err
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return d, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		return d, ErrEmptyResponse
	}

	var v verdict
	if err := parseJSONContent(cr.Choices[0].Message.Content, &v); err != nil {
		return d, fmt.Errorf("parse verdict: %w", err)
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
		Msg("Provider decision")

	return d, nil
}

// parseJSONContent extracts the first JSON object from model output,
// tolerating markdown code fences and surrounding prose.
func parseJSONContent(content string, target interface{}) error {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		content = strings.TrimPrefix(content, "json")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	return json.Unmarshal([]byte(content[start:end+1]), target)
}

func normalizeAction(s string) (trade.Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return trade.ActionBuy, nil
	case "SELL":
		return trade.ActionSell, nil
	case "HOLD", "":
		return trade.ActionHold, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

const judgeSystemPrompt = `You are the judge in a structured trading debate. ` +
	`Two advocates have argued opposing positions. Weigh both arguments against ` +
	`the market data and issue a final verdict. Your reasoning MUST reference ` +
	`both the bull and the bear argument. Respond with a single JSON object: ` +
	`{"action": "BUY"|"SELL"|"HOLD", "confidence": 0-100, "reasoning": "..."}`

func systemPrompt(stance Stance) string {
	base := `You are a disciplined market analyst. Analyze the supplied market ` +
		`data and portfolio state and respond with a single JSON object: ` +
		`{"action": "BUY"|"SELL"|"HOLD", "confidence": 0-100, "reasoning": "..."}`
	switch stance {
	case StanceBull:
		return base + ` You are the bull advocate: build the strongest honest case ` +
			`for BUY, citing momentum and trend evidence. Still report low confidence ` +
			`if the data does not support your side.`
	case StanceBear:
		return base + ` You are the bear advocate: build the strongest honest case ` +
			`for SELL, citing weakness and divergence evidence. Still report low ` +
			`confidence if the data does not support your side.`
	default:
		return base
	}
}

func analysisPrompt(mc *market.Context, ps *trade.PortfolioSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Asset: %s (%s)\nLast price: %.8g\nRegime: %s\nVolatility (ATR/price): %.4f\n",
		mc.Asset, mc.Class, mc.LastPrice, mc.Regime, mc.Volatility)

	for _, tf := range []market.Timeframe{market.Timeframe15m, market.Timeframe1h, market.Timeframe4h} {
		ind, ok := mc.Indicators[tf]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n[%s] RSI=%.2f EMA12=%.6g EMA26=%.6g MACD=%.6g signal=%.6g BB=(%.6g/%.6g/%.6g) ATR=%.6g",
			tf, ind.RSI, ind.EMAFast, ind.EMASlow, ind.MACD, ind.MACDSignal,
			ind.BollingerLower, ind.BollingerMid, ind.BollingerUpper, ind.ATR)
	}

	if ps != nil {
		fmt.Fprintf(&b, "\n\nPortfolio: cash=%.2f nav=%.2f unrealized=%.2f open_positions=%d",
			ps.Cash, ps.NAV(), ps.UnrealizedPnL(), len(ps.Positions))
	}
	return b.String()
}
