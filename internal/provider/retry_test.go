package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmind/marketmind/internal/trade"
)

func TestWithRetryRecoversFromTransientErrors(t *testing.T) {
	mock := NewMockProvider("alpha").Script(trade.ActionBuy, 70, "long")
	mock.FailWith(errors.New("temporarily unavailable"))

	p := WithRetry(mock, 2)
	require.Equal(t, "alpha", p.Name())

	_, err := p.Decide(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.Equal(t, 3, mock.Calls(), "initial attempt plus two retries")

	mock.FailWith(nil)
	d, err := p.Decide(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, trade.ActionBuy, d.Action)
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	mock := NewMockProvider("alpha")
	mock.FailWith(trade.Permanentf("invalid api key"))

	p := WithRetry(mock, 3)
	_, err := p.Decide(context.Background(), nil, nil)
	assert.True(t, trade.IsPermanent(err))
	assert.Equal(t, 1, mock.Calls(), "permanent errors are not retried")
}

func TestWithRetryHonorsContext(t *testing.T) {
	mock := NewMockProvider("alpha")
	mock.FailWith(errors.New("down"))

	p := WithRetry(mock, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Decide(ctx, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, mock.Calls(), 6, "backoff stops at the deadline")
}

func TestWithRetryPreservesJudge(t *testing.T) {
	mock := NewMockProvider("arbiter").ScriptJudge(trade.ActionHold, 55, "balanced")
	p := WithRetry(mock, 2)

	j, ok := p.(Judge)
	require.True(t, ok, "a decorated judge stays a judge")

	d, err := j.JudgeDebate(context.Background(), nil, nil, "bull case", "bear case")
	require.NoError(t, err)
	assert.Equal(t, trade.ActionHold, d.Action)
}

func TestWithRetryZeroRetriesReturnsOriginal(t *testing.T) {
	mock := NewMockProvider("alpha")
	assert.Equal(t, Provider(mock), WithRetry(mock, 0))
}
