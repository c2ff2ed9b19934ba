package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Store persists a TradingState as a JSON file, overwritten atomically
// (temp file + fsync + rename) on every save.
type Store struct {
	path   string
	state  *TradingState
	logger zerolog.Logger

	// ledgerMu guards the in-memory ledger shared between the consumer loop,
	// the background fill-confirmation task and HTTP status readers. Every
	// writer holds it across the mutation and the following save; concurrent
	// readers go through Snapshot.
	ledgerMu sync.Mutex

	mu                sync.Mutex
	lastWatermarkSave time.Time
	// WatermarkInterval debounces the high-frequency watermark-only saves.
	WatermarkInterval time.Duration
}

// Open loads the ledger at path, creating a fresh one funded with
// startingAmount if no file exists. A metadata mismatch against the current
// symbol configuration invalidates the position and trailing fields but
// preserves cash, so capital survives a reconfiguration.
func Open(path string, meta Metadata, startingAmount decimal.Decimal, logger zerolog.Logger) (*Store, error) {
	store := &Store{
		path:              path,
		logger:            logger.With().Str("component", "StateStore").Logger(),
		WatermarkInterval: 5 * time.Second,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		store.state = NewTradingState(startingAmount, meta, time.Now())
		store.logger.Info().
			Str("path", path).
			Str("starting_amount", startingAmount.String()).
			Msg("no existing state file, starting fresh ledger")
		if err := store.Save(); err != nil {
			return nil, err
		}
		return store, nil
	case err != nil:
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}

	var loaded TradingState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}

	if loaded.Metadata != meta {
		store.logger.Warn().
			Interface("stored", loaded.Metadata).
			Interface("configured", meta).
			Msg("state metadata mismatch, invalidating position fields but keeping cash")
		loaded.ClearPosition()
		loaded.ResetTrailing()
		loaded.Orphaned = nil
		loaded.Metadata = meta
	}
	if loaded.StoppedOutDirection == "" {
		loaded.StoppedOutDirection = DirectionNone
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("state file %s: %w", path, err)
	}

	store.state = &loaded
	if err := store.Save(); err != nil {
		return nil, err
	}
	return store, nil
}

// State returns the owned ledger. Mutations must happen under Lock; goroutines
// other than the consumer loop read through Snapshot instead.
func (st *Store) State() *TradingState {
	return st.state
}

// Lock acquires the ledger mutex. Held by every writer across the mutation
// and the save that follows it.
func (st *Store) Lock() { st.ledgerMu.Lock() }

// Unlock releases the ledger mutex.
func (st *Store) Unlock() { st.ledgerMu.Unlock() }

// Snapshot returns a copy of the ledger that is safe to read while the
// trading goroutines keep mutating the original.
func (st *Store) Snapshot() TradingState {
	st.ledgerMu.Lock()
	defer st.ledgerMu.Unlock()
	snap := *st.state
	if st.state.Orphaned != nil {
		orphan := *st.state.Orphaned
		snap.Orphaned = &orphan
	}
	return snap
}

// Save writes the ledger to disk atomically.
func (st *Store) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.saveLocked()
}

// SaveWatermarks persists watermark-only updates at most once per
// WatermarkInterval. State-changing events (a stop engaging, a latch
// clearing) pass force=true and flush immediately.
func (st *Store) SaveWatermarks(force bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !force && time.Since(st.lastWatermarkSave) < st.WatermarkInterval {
		return nil
	}
	st.lastWatermarkSave = time.Now()
	return st.saveLocked()
}

func (st *Store) saveLocked() error {
	data, err := json.MarshalIndent(st.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(st.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
