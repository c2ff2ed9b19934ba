// Package state holds the durable trading ledger. The ledger is the local
// source of truth for cash and shares; every mutation made by the trading core
// is followed by a synchronous save so a crash can never lose more than the
// in-flight mutation.
package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Stop-out directions mirrored from the trailing stop engine.
const (
	DirectionNone = "NONE"
	DirectionBull = "BULL"
	DirectionBear = "BEAR"
)

// Metadata fingerprints the symbol configuration the state was built under.
// A mismatch on load invalidates position fields but preserves cash.
type Metadata struct {
	SymbolBull  string `json:"symbol_bull"`
	SymbolBear  string `json:"symbol_bear"`
	SymbolIndex string `json:"symbol_index"`
}

// OrphanedShares records a small leftover quantity from a partial liquidation
// that was deliberately deferred rather than blocking a position switch.
type OrphanedShares struct {
	Symbol    string    `json:"symbol"`
	Shares    int64     `json:"shares"`
	CreatedAt time.Time `json:"created_at"`
}

// TradingState is the durable ledger. Single-owner: only the pipeline's
// consumer goroutine mutates it, except for the narrow idempotent corrections
// applied by background fill confirmation. All mutations hold the store's
// ledger lock so concurrent readers can take consistent snapshots.
type TradingState struct {
	CurrentPosition     string          `json:"current_position"` // "" when flat
	CurrentShares       int64           `json:"current_shares"`
	AvailableCash       decimal.Decimal `json:"available_cash"`
	AccumulatedLeftover decimal.Decimal `json:"accumulated_leftover"`

	StartingAmount  decimal.Decimal `json:"starting_amount"`
	DayStartBalance decimal.Decimal `json:"day_start_balance"`
	DayStartDate    string          `json:"day_start_date"` // YYYY-MM-DD

	Orphaned *OrphanedShares `json:"orphaned_shares,omitempty"`

	// Trailing-stop mirror, persisted so a restart resumes the same washout
	// latch instead of re-arming from zero.
	HighWaterMark       decimal.Decimal `json:"high_water_mark"`
	LowWaterMark        decimal.Decimal `json:"low_water_mark"`
	TrailingStopValue   decimal.Decimal `json:"trailing_stop_value"`
	IsStoppedOut        bool            `json:"is_stopped_out"`
	StoppedOutDirection string          `json:"stopped_out_direction"`
	WashoutLevel        decimal.Decimal `json:"washout_level"`
	StopoutTimestamp    time.Time       `json:"stopout_timestamp"`

	Metadata Metadata `json:"metadata"`
}

// NewTradingState creates a fresh ledger funded with startingAmount.
func NewTradingState(startingAmount decimal.Decimal, meta Metadata, now time.Time) *TradingState {
	return &TradingState{
		AvailableCash:       startingAmount,
		AccumulatedLeftover: decimal.Zero,
		StartingAmount:      startingAmount,
		DayStartBalance:     startingAmount,
		DayStartDate:        now.Format("2006-01-02"),
		StoppedOutDirection: DirectionNone,
		Metadata:            meta,
	}
}

// SpendableCash is the buy-side spend basis: cash plus accumulated leftover.
func (s *TradingState) SpendableCash() decimal.Decimal {
	return s.AvailableCash.Add(s.AccumulatedLeftover)
}

// Flat reports whether the ledger holds no position.
func (s *TradingState) Flat() bool {
	return s.CurrentPosition == "" && s.CurrentShares == 0
}

// Validate checks the core ledger invariant: shares > 0 iff a position is set.
func (s *TradingState) Validate() error {
	if (s.CurrentShares > 0) != (s.CurrentPosition != "") {
		return fmt.Errorf("ledger invariant violated: position=%q shares=%d",
			s.CurrentPosition, s.CurrentShares)
	}
	if s.CurrentShares < 0 {
		return fmt.Errorf("ledger invariant violated: negative shares %d", s.CurrentShares)
	}
	return nil
}

// ClearPosition flattens the position fields without touching cash.
func (s *TradingState) ClearPosition() {
	s.CurrentPosition = ""
	s.CurrentShares = 0
}

// ResetTrailing clears the trailing-stop mirror back to the disarmed state.
func (s *TradingState) ResetTrailing() {
	s.HighWaterMark = decimal.Zero
	s.LowWaterMark = decimal.Zero
	s.TrailingStopValue = decimal.Zero
	s.IsStoppedOut = false
	s.StoppedOutDirection = DirectionNone
	s.WashoutLevel = decimal.Zero
	s.StopoutTimestamp = time.Time{}
}

// RolloverDay resets the daily P/L baseline when the calendar date changes.
// Returns true if a new trading day started.
func (s *TradingState) RolloverDay(now time.Time, equity decimal.Decimal) bool {
	today := now.Format("2006-01-02")
	if s.DayStartDate == today {
		return false
	}
	s.DayStartDate = today
	s.DayStartBalance = equity
	return true
}
