// Package risk implements the trailing-stop state machine. The engine is a
// pure function of its inputs and internal state: no I/O, no broker calls, so
// it is unit-testable in isolation and its state can be mirrored into the
// persisted ledger and restored across restarts.
package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stop-out directions.
const (
	DirectionNone = "NONE"
	DirectionBull = "BULL"
	DirectionBear = "BEAR"
)

// ForcedNeutral is the signal emitted when a stop engages.
const ForcedNeutral = "NEUTRAL"

// Config holds trailing-stop parameters.
type Config struct {
	SymbolBull string
	SymbolBear string
	// TrailingStopPercent is the fractional recede from the watermark that
	// forces an exit, e.g. 0.002 = 0.2%. Zero disables the engine.
	TrailingStopPercent float64
	// CooldownSeconds is the minimum latch duration after a stop-out.
	CooldownSeconds int
}

// TickResult reports what ProcessTick decided for one benchmark tick.
type TickResult struct {
	StopTriggered    bool
	LatchCleared     bool
	LatchBlocksEntry bool
	// ForcedSignal is ForcedNeutral when a stop engaged, otherwise empty.
	ForcedSignal string
}

// Snapshot mirrors engine state into the persisted ledger.
type Snapshot struct {
	HighWaterMark       decimal.Decimal
	LowWaterMark        decimal.Decimal
	TrailingStopValue   decimal.Decimal
	IsStoppedOut        bool
	StoppedOutDirection string
	WashoutLevel        decimal.Decimal
	StopoutTime         time.Time
}

// Engine tracks benchmark watermarks for the open position and the
// post-stop-out washout latch.
type Engine struct {
	cfg Config

	highWaterMark       decimal.Decimal
	lowWaterMark        decimal.Decimal
	virtualStopPrice    decimal.Decimal
	isStoppedOut        bool
	stoppedOutDirection string
	washoutLevel        decimal.Decimal
	stopoutTime         time.Time

	now func() time.Time
}

// NewEngine creates a disarmed engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:                 cfg,
		stoppedOutDirection: DirectionNone,
		now:                 time.Now,
	}
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ProcessTick advances the state machine by one benchmark tick. price is the
// benchmark (index) price; upperBand/lowerBand are the current hysteresis band
// edges, recorded as the washout level when a stop engages.
func (e *Engine) ProcessTick(price decimal.Decimal, currentPosition string, currentShares int64,
	upperBand, lowerBand decimal.Decimal) TickResult {

	if e.cfg.TrailingStopPercent <= 0 {
		return TickResult{}
	}

	if e.isStoppedOut {
		return e.processLatch(price)
	}

	if currentShares <= 0 || currentPosition == "" {
		return TickResult{}
	}

	pct := decimal.NewFromFloat(e.cfg.TrailingStopPercent)

	switch currentPosition {
	case e.cfg.SymbolBull:
		if e.highWaterMark.IsZero() || price.GreaterThan(e.highWaterMark) {
			e.highWaterMark = price
		}
		e.virtualStopPrice = e.highWaterMark.Mul(decimal.NewFromInt(1).Sub(pct))
		if price.LessThanOrEqual(e.virtualStopPrice) {
			e.engageLatch(DirectionBull, price, upperBand)
			return TickResult{StopTriggered: true, LatchBlocksEntry: true, ForcedSignal: ForcedNeutral}
		}
	case e.cfg.SymbolBear:
		if e.lowWaterMark.IsZero() || price.LessThan(e.lowWaterMark) {
			e.lowWaterMark = price
		}
		e.virtualStopPrice = e.lowWaterMark.Mul(decimal.NewFromInt(1).Add(pct))
		if price.GreaterThanOrEqual(e.virtualStopPrice) {
			e.engageLatch(DirectionBear, price, lowerBand)
			return TickResult{StopTriggered: true, LatchBlocksEntry: true, ForcedSignal: ForcedNeutral}
		}
	}

	return TickResult{}
}

// processLatch runs the washout gate: cooldown first, then price recovery.
func (e *Engine) processLatch(price decimal.Decimal) TickResult {
	elapsed := e.now().Sub(e.stopoutTime)
	if elapsed < time.Duration(e.cfg.CooldownSeconds)*time.Second {
		return TickResult{LatchBlocksEntry: true}
	}

	recovered := false
	switch e.stoppedOutDirection {
	case DirectionBull:
		recovered = price.GreaterThanOrEqual(e.washoutLevel)
	case DirectionBear:
		recovered = price.LessThanOrEqual(e.washoutLevel)
	}
	if !recovered {
		// Cooldown expired but price has not recrossed the washout level.
		return TickResult{LatchBlocksEntry: true}
	}

	e.Reset()
	return TickResult{LatchCleared: true}
}

// engageLatch records the stop-out. When the band edge is unavailable the
// stop-out price itself becomes the washout level so recovery stays
// detectable.
func (e *Engine) engageLatch(direction string, price, band decimal.Decimal) {
	e.isStoppedOut = true
	e.stoppedOutDirection = direction
	e.washoutLevel = band
	if e.washoutLevel.IsZero() {
		e.washoutLevel = price
	}
	e.stopoutTime = e.now()
}

// ShouldTriggerImmediateStopLoss is the startup check: given restored
// watermarks and the current price, reports whether a stop is already due, so
// a restart does not silently skip a stop that should have fired offline.
func (e *Engine) ShouldTriggerImmediateStopLoss(price decimal.Decimal, currentPosition string) bool {
	if e.cfg.TrailingStopPercent <= 0 || e.isStoppedOut {
		return false
	}
	pct := decimal.NewFromFloat(e.cfg.TrailingStopPercent)
	switch currentPosition {
	case e.cfg.SymbolBull:
		if e.highWaterMark.IsZero() {
			return false
		}
		return price.LessThanOrEqual(e.highWaterMark.Mul(decimal.NewFromInt(1).Sub(pct)))
	case e.cfg.SymbolBear:
		if e.lowWaterMark.IsZero() {
			return false
		}
		return price.GreaterThanOrEqual(e.lowWaterMark.Mul(decimal.NewFromInt(1).Add(pct)))
	}
	return false
}

// StopStillBreached reports whether the stop condition that forced the exit
// still holds at price. Used by the liquidation chase to detect a V-shaped
// reversal: when the breach has reverted, forcing the rest of the exit out
// with a market order would realize a loss on a false alarm.
func (e *Engine) StopStillBreached(price decimal.Decimal) bool {
	if !e.isStoppedOut || e.virtualStopPrice.IsZero() {
		return true
	}
	switch e.stoppedOutDirection {
	case DirectionBull:
		return price.LessThanOrEqual(e.virtualStopPrice)
	case DirectionBear:
		return price.GreaterThanOrEqual(e.virtualStopPrice)
	}
	return true
}

// Arm seeds the watermark for a freshly entered position.
func (e *Engine) Arm(direction string, price decimal.Decimal) {
	switch direction {
	case DirectionBull:
		e.highWaterMark = price
		e.lowWaterMark = decimal.Zero
	case DirectionBear:
		e.lowWaterMark = price
		e.highWaterMark = decimal.Zero
	}
	e.virtualStopPrice = decimal.Zero
}

// Latched reports whether the washout latch currently blocks re-entry.
func (e *Engine) Latched() bool {
	return e.isStoppedOut
}

// Reset clears all watermarks and the latch.
func (e *Engine) Reset() {
	e.highWaterMark = decimal.Zero
	e.lowWaterMark = decimal.Zero
	e.virtualStopPrice = decimal.Zero
	e.isStoppedOut = false
	e.stoppedOutDirection = DirectionNone
	e.washoutLevel = decimal.Zero
	e.stopoutTime = time.Time{}
}

// Snapshot exports the engine state for persistence.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		HighWaterMark:       e.highWaterMark,
		LowWaterMark:        e.lowWaterMark,
		TrailingStopValue:   e.virtualStopPrice,
		IsStoppedOut:        e.isStoppedOut,
		StoppedOutDirection: e.stoppedOutDirection,
		WashoutLevel:        e.washoutLevel,
		StopoutTime:         e.stopoutTime,
	}
}

// Restore rehydrates the engine from a persisted snapshot.
func (e *Engine) Restore(s Snapshot) {
	e.highWaterMark = s.HighWaterMark
	e.lowWaterMark = s.LowWaterMark
	e.virtualStopPrice = s.TrailingStopValue
	e.isStoppedOut = s.IsStoppedOut
	e.stoppedOutDirection = s.StoppedOutDirection
	if e.stoppedOutDirection == "" {
		e.stoppedOutDirection = DirectionNone
	}
	e.washoutLevel = s.WashoutLevel
	e.stopoutTime = s.StopoutTime
}
