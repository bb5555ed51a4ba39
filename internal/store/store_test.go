package store

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmind/marketmind/internal/trade"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func sampleDecision() *trade.Decision {
	return &trade.Decision{
		ID:         uuid.New(),
		Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
		Asset:      "BTCUSDT",
		AssetClass: trade.AssetClassCrypto,
		Action:     trade.ActionBuy,
		Confidence: 80,
		Reasoning:  "test",
		Approved:   true,
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := newStore(t)
	d := sampleDecision()
	require.NoError(t, s.Save(d))

	got, err := s.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.Asset, got.Asset)
	assert.Equal(t, d.Action, got.Action)
	assert.True(t, d.Timestamp.Equal(got.Timestamp))
}

func TestGetUnknownID(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRejectsNilID(t *testing.T) {
	s := newStore(t)
	assert.Error(t, s.Save(&trade.Decision{}))
}

// Re-saving an id must move the old record to a .bak file, never
// overwrite it in place.
func TestResaveProducesBackup(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	d := sampleDecision()
	require.NoError(t, s.Save(d))

	d.Approved = false
	d.RejectionReason = "stale_data"
	require.NoError(t, s.Save(d))

	got, err := s.Get(d.ID)
	require.NoError(t, err)
	assert.False(t, got.Approved)

	backups, err := filepath.Glob(filepath.Join(dir, d.ID.String()+".json.*.bak"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

// A failed rewrite must leave the previously saved record readable;
// the live file may only be displaced once its replacement exists.
func TestFailedResaveKeepsLiveRecord(t *testing.T) {
	s := newStore(t)
	d := sampleDecision()
	require.NoError(t, s.Save(d))

	// Inf has no JSON encoding, so marshalling the rewrite fails.
	d.Ensemble = map[string]interface{}{"score": math.Inf(1)}
	require.Error(t, s.Save(d))

	got, err := s.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Asset, got.Asset)
	assert.True(t, got.Approved, "pre-failure record survives intact")
}

func TestAppendOutcome(t *testing.T) {
	s := newStore(t)
	d := sampleDecision()
	require.NoError(t, s.Save(d))

	outcome := &trade.Outcome{
		PositionID:  "pos-1",
		ExitPrice:   105,
		ExitTime:    time.Now().UTC(),
		RealizedPnL: 5,
		ClosedBy:    trade.CloseTakeProfit,
	}
	require.NoError(t, s.Append(d.ID, outcome))

	got, err := s.Get(d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, d.ID, got.Outcome.DecisionID, "outcome links back to its decision")
	assert.Equal(t, trade.CloseTakeProfit, got.Outcome.ClosedBy)
	assert.Equal(t, 5.0, got.Outcome.RealizedPnL)
}

func TestAppendFailsOnMissingDecision(t *testing.T) {
	s := newStore(t)
	err := s.Append(uuid.New(), &trade.Outcome{ClosedBy: trade.CloseManual})
	assert.ErrorIs(t, err, ErrNotFound)
}

// Once terminal, further appends must fail.
func TestAppendFailsOnTerminalDecision(t *testing.T) {
	s := newStore(t)
	d := sampleDecision()
	require.NoError(t, s.Save(d))
	require.NoError(t, s.Append(d.ID, &trade.Outcome{ClosedBy: trade.CloseStopLoss}))

	err := s.Append(d.ID, &trade.Outcome{ClosedBy: trade.CloseManual})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	got, err := s.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.CloseStopLoss, got.Outcome.ClosedBy, "first outcome wins")
}

func TestListFiltersAndLimits(t *testing.T) {
	s := newStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		d := sampleDecision()
		d.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			d.Asset = "ETHUSDT"
			d.Action = trade.ActionSell
			d.Approved = false
		}
		require.NoError(t, s.Save(d))
	}

	all, err := s.List(Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i-1].Timestamp.Before(all[i].Timestamp), "newest first")
	}

	btc, err := s.List(Filter{Asset: "BTCUSDT"}, 0)
	require.NoError(t, err)
	assert.Len(t, btc, 3)

	approved := true
	app, err := s.List(Filter{Approved: &approved}, 2)
	require.NoError(t, err)
	assert.Len(t, app, 2)

	recent, err := s.List(Filter{Since: base.Add(3*time.Minute - time.Second)}, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestListSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(sampleDecision()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))

	all, err := s.List(Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(sampleDecision()))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
