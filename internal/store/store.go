// Package store persists decisions as an append-only audit log: one
// JSON file per decision id, written atomically, never overwritten
// without a backup.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/metrics"
	"github.com/marketmind/marketmind/internal/trade"
)

var (
	// ErrNotFound is returned for unknown decision ids.
	ErrNotFound = errors.New("store: decision not found")

	// ErrAlreadyTerminal is returned by Append when the decision
	// already carries an outcome.
	ErrAlreadyTerminal = errors.New("store: decision already terminal")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Asset    string
	Action   trade.Action
	Approved *bool
	Since    time.Time
}

// Store is a directory-backed decision log. A single mutex serializes
// writers; files are uniquely named per decision id.
type Store struct {
	dir string
	mu  sync.Mutex
	log zerolog.Logger
}

// New opens (and if needed creates) the store directory.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir, log: config.NewLogger("store")}, nil
}

// Save persists the decision durably. Re-saving an existing id keeps
// the previous record as a timestamped backup; records are never
// overwritten in place.
func (s *Store) Save(d *trade.Decision) error {
	if d.ID == uuid.Nil {
		return errors.New("store: decision has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomic(s.path(d.ID), d); err != nil {
		return err
	}
	metrics.StoreWrites.WithLabelValues("decision").Inc()
	s.log.Debug().Str("decision_id", d.ID.String()).Msg("Decision saved")
	return nil
}

// Append attaches the terminal outcome to an existing decision. It
// fails if the decision is absent or already terminal.
func (s *Store) Append(id uuid.UUID, outcome *trade.Outcome) error {
	if outcome == nil {
		return errors.New("store: nil outcome")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.read(id)
	if err != nil {
		return err
	}
	if d.Outcome != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
	}

	o := *outcome
	o.DecisionID = id
	d.Outcome = &o

	if err := s.writeAtomic(s.path(id), d); err != nil {
		return err
	}
	metrics.StoreWrites.WithLabelValues("outcome").Inc()
	s.log.Debug().
		Str("decision_id", id.String()).
		Str("closed_by", string(o.ClosedBy)).
		Float64("realized_pnl", o.RealizedPnL).
		Msg("Outcome appended")
	return nil
}

// Get returns one decision by id.
func (s *Store) Get(id uuid.UUID) (*trade.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns up to limit matching decisions, newest first. A
// non-positive limit means no cap.
func (s *Store) List(f Filter, limit int) ([]*trade.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var out []*trade.Decision
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		d, err := s.read(id)
		if err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("Skipping unreadable record")
			continue
		}
		if !matches(d, f) {
			continue
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(d *trade.Decision, f Filter) bool {
	if f.Asset != "" && d.Asset != f.Asset {
		return false
	}
	if f.Action != "" && d.Action != f.Action {
		return false
	}
	if f.Approved != nil && d.Approved != *f.Approved {
		return false
	}
	if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

func (s *Store) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".json")
}

func (s *Store) read(id uuid.UUID) (*trade.Decision, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var d trade.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &d, nil
}

// writeAtomic marshals to a temp file in the store directory, fsyncs,
// then swaps it into place. Any existing record moves to a timestamped
// backup only once the replacement is durably on disk, so a failed
// write never loses the live record.
func (s *Store) writeAtomic(path string, d *trade.Decision) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	var backup string
	if _, err := os.Stat(path); err == nil {
		backup = fmt.Sprintf("%s.%d.bak", path, time.Now().UnixNano())
		if err := os.Rename(path, backup); err != nil {
			return fmt.Errorf("backup existing record: %w", err)
		}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		if backup != "" {
			if rerr := os.Rename(backup, path); rerr != nil {
				s.log.Error().Err(rerr).Str("backup", backup).
					Msg("Could not restore record after failed swap")
			}
		}
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
