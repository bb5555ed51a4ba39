package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/trade"
)

func testContext() *market.Context {
	return &market.Context{
		Asset:     "BTCUSDT",
		Class:     trade.AssetClassCrypto,
		LastPrice: 50000,
		Indicators: map[market.Timeframe]market.Indicators{
			market.Timeframe1h: {RSI: 55, EMAFast: 50100, EMASlow: 49900},
		},
		Regime:    market.RegimeTrending,
		FetchedAt: time.Now(),
		Provider:  "mock",
	}
}

func chatReply(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` +
		jsonString(content) + `}}]}`
}

func jsonString(s string) string {
	out := `"`
	for _, r := range s {
		switch r {
		case '"':
			out += `\"`
		case '\n':
			out += `\n`
		case '\\':
			out += `\\`
		default:
			out += string(r)
		}
	}
	return out + `"`
}

func TestLLMProviderDecide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(chatReply(`{"action":"BUY","confidence":80,"reasoning":"momentum building"}`)))
	}))
	defer srv.Close()

	p := NewLLMProvider(LLMConfig{Name: "analyst", Endpoint: srv.URL, APIKey: "test-key"})
	d, err := p.Decide(context.Background(), testContext(), nil)
	require.NoError(t, err)

	assert.Equal(t, "analyst", d.ProviderName)
	assert.Equal(t, trade.ActionBuy, d.Action)
	assert.Equal(t, 80.0, d.Confidence)
	assert.Equal(t, "momentum building", d.Reasoning)
	assert.GreaterOrEqual(t, d.LatencyMS, int64(0))
}

func TestLLMProviderParsesFencedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply("Here is my analysis:\n```json\n{\"action\":\"sell\",\"confidence\":120,\"reasoning\":\"overbought\"}\n```")))
	}))
	defer srv.Close()

	p := NewLLMProvider(LLMConfig{Name: "analyst", Endpoint: srv.URL})
	d, err := p.Decide(context.Background(), testContext(), nil)
	require.NoError(t, err)

	assert.Equal(t, trade.ActionSell, d.Action)
	assert.Equal(t, 100.0, d.Confidence, "confidence clamps to 0-100")
}

func TestLLMProviderAuthFailureIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewLLMProvider(LLMConfig{Name: "analyst", Endpoint: srv.URL})
	_, err := p.Decide(context.Background(), testContext(), nil)
	require.Error(t, err)
	assert.True(t, trade.IsPermanent(err))
}

func TestLLMProviderServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewLLMProvider(LLMConfig{Name: "analyst", Endpoint: srv.URL})
	_, err := p.Decide(context.Background(), testContext(), nil)
	require.Error(t, err)
	assert.False(t, trade.IsPermanent(err))
}

func TestLLMProviderJudgeSeesBothTranscripts(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.Write([]byte(chatReply(`{"action":"HOLD","confidence":55,"reasoning":"bull momentum vs bear divergence"}`)))
	}))
	defer srv.Close()

	p := NewLLMProvider(LLMConfig{Name: "judge", Endpoint: srv.URL})
	d, err := p.JudgeDebate(context.Background(), testContext(), nil,
		"momentum favors upside", "bearish divergence on RSI")
	require.NoError(t, err)

	assert.Equal(t, trade.ActionHold, d.Action)
	assert.Equal(t, 55.0, d.Confidence)
	assert.Contains(t, string(gotBody), "momentum favors upside")
	assert.Contains(t, string(gotBody), "bearish divergence on RSI")
}

func TestParseJSONContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		action  string
	}{
		{"bare object", `{"action":"BUY"}`, false, "BUY"},
		{"fenced", "```json\n{\"action\":\"SELL\"}\n```", false, "SELL"},
		{"prose wrapped", `I think {"action":"HOLD"} overall.`, false, "HOLD"},
		{"no object", "nothing to see", true, ""},
		{"malformed", `{"action":`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v verdict
			err := parseJSONContent(tt.content, &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, v.Action)
		})
	}
}

func TestNormalizeAction(t *testing.T) {
	for in, want := range map[string]trade.Action{
		"BUY": trade.ActionBuy, "buy": trade.ActionBuy,
		" Sell ": trade.ActionSell, "hold": trade.ActionHold, "": trade.ActionHold,
	} {
		got, err := normalizeAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := normalizeAction("SHORT")
	assert.Error(t, err)
}

func TestMockProviderScript(t *testing.T) {
	m := NewMockProvider("a").Script(trade.ActionBuy, 70, "scripted")
	d, err := m.Decide(context.Background(), testContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionBuy, d.Action)
	assert.Equal(t, 70.0, d.Confidence)
	assert.Equal(t, 1, m.Calls())

	m.FailWith(errors.New("timeout"))
	_, err = m.Decide(context.Background(), testContext(), nil)
	assert.Error(t, err)
}

func TestMockProviderDelayHonorsContext(t *testing.T) {
	m := NewMockProvider("slow").Delay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Decide(ctx, testContext(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockJudgeCitesAdvocates(t *testing.T) {
	m := NewMockProvider("judge").ScriptJudge(trade.ActionHold, 55, "balanced view.")
	d, err := m.JudgeDebate(context.Background(), testContext(), nil, "buy the dip", "sell the rip")
	require.NoError(t, err)
	assert.Equal(t, trade.ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "buy the dip")
	assert.Contains(t, d.Reasoning, "sell the rip")
}
