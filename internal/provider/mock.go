package provider

import (
	"context"
	"sync"
	"time"

	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/trade"
)

// MockProvider is a scripted decision provider for paper trading and
// tests. It replays a fixed decision, a per-call script, or an error.
type MockProvider struct {
	name string

	mu       sync.Mutex
	decision trade.ProviderDecision
	judged   *trade.ProviderDecision
	err      error
	delay    time.Duration
	calls    int
}

// NewMockProvider creates a scripted provider returning HOLD until scripted.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:     name,
		decision: trade.ProviderDecision{ProviderName: name, Action: trade.ActionHold, Confidence: 50},
	}
}

// Script sets the decision returned by subsequent Decide calls.
func (m *MockProvider) Script(action trade.Action, confidence float64, reasoning string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decision = trade.ProviderDecision{
		ProviderName: m.name,
		Action:       action,
		Confidence:   confidence,
		Reasoning:    reasoning,
	}
	m.err = nil
	return m
}

// ScriptJudge sets the decision returned by JudgeDebate, independent of
// the Decide script.
func (m *MockProvider) ScriptJudge(action trade.Action, confidence float64, reasoning string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.judged = &trade.ProviderDecision{
		ProviderName: m.name,
		Action:       action,
		Confidence:   confidence,
		Reasoning:    reasoning,
	}
	return m
}

// FailWith makes subsequent calls return err; nil clears it.
func (m *MockProvider) FailWith(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Delay makes each call sleep before answering, for timeout tests.
func (m *MockProvider) Delay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Calls reports how many times the provider was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.name }

// Decide implements Provider.
func (m *MockProvider) Decide(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot) (trade.ProviderDecision, error) {
	m.mu.Lock()
	m.calls++
	d, err, delay := m.decision, m.err, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return trade.ProviderDecision{ProviderName: m.name}, ctx.Err()
		}
	}
	if err != nil {
		return trade.ProviderDecision{ProviderName: m.name}, err
	}
	return d, nil
}

// JudgeDebate implements Judge. The scripted judge reasoning is
// augmented with both transcripts so citation checks hold.
func (m *MockProvider) JudgeDebate(ctx context.Context, mc *market.Context, ps *trade.PortfolioSnapshot, bullArgument, bearArgument string) (trade.ProviderDecision, error) {
	m.mu.Lock()
	judged := m.judged
	err := m.err
	m.mu.Unlock()

	if err != nil {
		return trade.ProviderDecision{ProviderName: m.name}, err
	}
	if judged == nil {
		return m.Decide(ctx, mc, ps)
	}
	d := *judged
	d.Reasoning = d.Reasoning + " Bull case: " + bullArgument + " Bear case: " + bearArgument
	return d, nil
}
