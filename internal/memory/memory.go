// Package memory is the feedback loop: it consumes trade outcomes and
// maintains provider accuracy, ensemble weights, regime parameter sets
// and confidence calibration. A single writer serializes updates;
// readers always get value copies.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/trade"
)

const calibrationBuckets = 10

// ProviderStats is the rolling view of one provider's performance.
type ProviderStats struct {
	Accuracy float64 `json:"accuracy"` // exponential moving hit rate, 0-1
	Samples  int     `json:"samples"`
}

// RegimeParams aggregates outcomes per market regime. Values are only
// served once enough samples exist.
type RegimeParams struct {
	Samples    int     `json:"samples"`
	WinRate    float64 `json:"win_rate"`
	AvgPnL     float64 `json:"avg_pnl"`
	AvgWinPnL  float64 `json:"avg_win_pnl"`
	AvgLossPnL float64 `json:"avg_loss_pnl"`
}

// CalibrationBucket tracks hit rate for one confidence decile.
type CalibrationBucket struct {
	Hits  int `json:"hits"`
	Total int `json:"total"`
}

// HitRate returns the empirical win rate of the bucket.
func (b CalibrationBucket) HitRate() float64 {
	if b.Total == 0 {
		return 0
	}
	return float64(b.Hits) / float64(b.Total)
}

// state is the persisted learning state.
type state struct {
	Providers   map[string]ProviderStats              `json:"providers"`
	Weights     map[string]float64                    `json:"weights"`
	Regimes     map[string]RegimeParams               `json:"regimes"`
	Calibration [calibrationBuckets]CalibrationBucket `json:"calibration"`
	Seen        map[string]bool                       `json:"seen_outcomes"`
}

// Memory is the portfolio memory. Safe for concurrent use.
type Memory struct {
	cfg config.MemoryConfig
	log zerolog.Logger

	mu sync.RWMutex
	st state
}

// New opens the memory, loading any previous snapshot from cfg.Path.
func New(cfg config.MemoryConfig) (*Memory, error) {
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		return nil, fmt.Errorf("memory: learning rate %v out of (0,1]", cfg.LearningRate)
	}
	m := &Memory{
		cfg: cfg,
		log: config.NewLogger("memory"),
		st: state{
			Providers: make(map[string]ProviderStats),
			Weights:   make(map[string]float64),
			Regimes:   make(map[string]RegimeParams),
			Seen:      make(map[string]bool),
		},
	}
	if cfg.Path != "" {
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordOutcome folds one terminal outcome into the learning state.
// Replaying the same outcome id is a no-op.
func (m *Memory) RecordOutcome(d *trade.Decision, o trade.Outcome) error {
	if d == nil {
		return errors.New("memory: nil decision")
	}
	if o.DecisionID == uuid.Nil {
		return errors.New("memory: outcome has no decision id")
	}
	key := o.DecisionID.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.Seen[key] {
		m.log.Debug().Str("decision_id", key).Msg("Outcome already recorded, skipping")
		return nil
	}
	m.st.Seen[key] = true

	won := o.RealizedPnL > 0
	m.updateProviders(d, won)
	m.renormalizeWeights()
	m.updateRegime(o, won)
	m.updateCalibration(d.Confidence, won)

	m.log.Info().
		Str("decision_id", key).
		Bool("won", won).
		Float64("realized_pnl", o.RealizedPnL).
		Str("regime", o.Regime).
		Msg("Outcome recorded")

	if m.cfg.Path != "" {
		return m.persistLocked()
	}
	return nil
}

// updateProviders advances each voting provider's exponential moving
// accuracy: a provider was right when its vote matched the executed
// action on a win, or opposed it on a loss.
func (m *Memory) updateProviders(d *trade.Decision, won bool) {
	for _, v := range d.Providers {
		if v.Errored() {
			continue
		}
		hit := 0.0
		if (v.Action == d.Action) == won {
			hit = 1.0
		}
		s := m.st.Providers[v.ProviderName]
		if s.Samples == 0 {
			s.Accuracy = hit
		} else {
			s.Accuracy = (1-m.cfg.LearningRate)*s.Accuracy + m.cfg.LearningRate*hit
		}
		s.Samples++
		m.st.Providers[v.ProviderName] = s
	}
}

// renormalizeWeights derives weights from accuracies and scales them to
// sum to exactly 1.
func (m *Memory) renormalizeWeights() {
	total := 0.0
	for _, s := range m.st.Providers {
		total += math.Max(s.Accuracy, 0.05) // floor keeps cold providers alive
	}
	if total <= 0 {
		return
	}
	weights := make(map[string]float64, len(m.st.Providers))
	for name, s := range m.st.Providers {
		weights[name] = math.Max(s.Accuracy, 0.05) / total
	}
	m.st.Weights = weights
}

func (m *Memory) updateRegime(o trade.Outcome, won bool) {
	if o.Regime == "" {
		return
	}
	r := m.st.Regimes[o.Regime]
	n := float64(r.Samples)
	r.AvgPnL = (r.AvgPnL*n + o.RealizedPnL) / (n + 1)
	if won {
		wins := r.WinRate * n
		r.AvgWinPnL = (r.AvgWinPnL*wins + o.RealizedPnL) / (wins + 1)
		r.WinRate = (wins + 1) / (n + 1)
	} else {
		losses := (1 - r.WinRate) * n
		r.AvgLossPnL = (r.AvgLossPnL*losses + o.RealizedPnL) / (losses + 1)
		r.WinRate = r.WinRate * n / (n + 1)
	}
	r.Samples++
	m.st.Regimes[o.Regime] = r
}

func (m *Memory) updateCalibration(confidence float64, won bool) {
	bucket := int(confidence / (100 / calibrationBuckets))
	if bucket >= calibrationBuckets {
		bucket = calibrationBuckets - 1
	}
	if bucket < 0 {
		bucket = 0
	}
	m.st.Calibration[bucket].Total++
	if won {
		m.st.Calibration[bucket].Hits++
	}
}

// ProviderWeights implements the aggregator's weight source. The
// returned map is a copy.
func (m *Memory) ProviderWeights() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.st.Weights))
	for k, v := range m.st.Weights {
		out[k] = v
	}
	return out
}

// ProviderAccuracy returns one provider's rolling stats.
func (m *Memory) ProviderAccuracy(name string) (ProviderStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.st.Providers[name]
	return s, ok
}

// RegimeParameters returns the learned parameters for a regime, only
// once min_samples_per_regime outcomes have accumulated.
func (m *Memory) RegimeParameters(regime string) (RegimeParams, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.st.Regimes[regime]
	if !ok || r.Samples < m.cfg.MinSamplesPerRegime {
		return RegimeParams{}, false
	}
	return r, true
}

// Calibration returns a copy of the confidence calibration table.
func (m *Memory) Calibration() [calibrationBuckets]CalibrationBucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Calibration
}

func (m *Memory) load() error {
	data, err := os.ReadFile(m.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read memory snapshot: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal memory snapshot: %w", err)
	}
	if st.Providers == nil {
		st.Providers = make(map[string]ProviderStats)
	}
	if st.Weights == nil {
		st.Weights = make(map[string]float64)
	}
	if st.Regimes == nil {
		st.Regimes = make(map[string]RegimeParams)
	}
	if st.Seen == nil {
		st.Seen = make(map[string]bool)
	}
	m.st = st
	m.log.Info().Int("providers", len(st.Providers)).Msg("Memory snapshot loaded")
	return nil
}

// persistLocked writes the snapshot with the same temp-and-rename
// discipline as the decision store. Caller holds the write lock.
func (m *Memory) persistLocked() error {
	data, err := json.MarshalIndent(m.st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory snapshot: %w", err)
	}

	dir := filepath.Dir(m.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	return os.Rename(tmp.Name(), m.cfg.Path)
}
