package state

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"scalper/internal/strategy"
)

type Signal struct {
	Action    strategy.Action
	Reason    string
	Histogram float64
	Price     float64
	At        time.Time
}

// Snapshot is the operator-facing status of the bot. It is informational;
// the ledger remains the source of truth for the position.
type Snapshot struct {
	Pair             string
	Position         strategy.Position
	LastSignal       Signal
	LastTradeTime    time.Time
	LastResult       string
	Autotrade        bool
	ExchangeBase     string
	PositionMismatch bool
	ReconciledAt     time.Time
}

type Store struct {
	mu       sync.RWMutex
	snapshot Snapshot
}

func NewStore(pair string) *Store {
	return &Store{
		snapshot: Snapshot{
			Pair:     pair,
			Position: strategy.Flat,
		},
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Store) SetPosition(pos strategy.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Position = pos
}

func (s *Store) SetSignal(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastSignal = sig
}

func (s *Store) SetTrade(at time.Time, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastTradeTime = at
	s.snapshot.LastResult = result
}

func (s *Store) SetAutotrade(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Autotrade = enabled
}

func (s *Store) SetReconciled(base string, mismatch bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.ExchangeBase = base
	s.snapshot.PositionMismatch = mismatch
	s.snapshot.ReconciledAt = at
}

func (s *Store) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.MarshalIndent(s.snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load restores a checkpoint. The pair is kept from the store when the
// checkpoint belongs to another pair.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Pair != s.snapshot.Pair {
		return nil
	}
	if snapshot.Position == "" {
		snapshot.Position = strategy.Flat
	}
	s.snapshot = snapshot
	return nil
}
