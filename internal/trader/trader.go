// Package trader implements the order-execution and position-reconciliation
// core: the position-transition controller, the buy/liquidate execution paths
// with IOC retries and limit-order chase logic, and orphaned-share cleanup.
//
// All entry points run on the pipeline's single consumer goroutine and join
// any outstanding background buy-fill confirmation before touching the ledger.
// The confirmation task itself holds the store's ledger lock for its narrow,
// idempotent corrections, as does every foreground mutation, so status readers
// on other goroutines always observe a consistent snapshot.
package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/broker"
	"etf-trading-bot/internal/risk"
	"etf-trading-bot/internal/state"
)

// Pricing modes.
const (
	PricingMarket = "market"
	PricingLimit  = "limit"
	PricingIOC    = "ioc"
)

// Expected-condition sentinels. Callers branch with errors.Is; none of these
// indicate ledger corruption.
var (
	// ErrCapitalExhausted means the spendable balance cannot afford a single
	// share. Deliberately fatal: the condition cannot self-resolve.
	ErrCapitalExhausted = errors.New("capital exhausted: cannot afford a single share")
	// ErrShortDetected means the broker reports a short position. The engine
	// never manages shorts; manual intervention is required.
	ErrShortDetected = errors.New("broker reports a short position, manual intervention required")
	// ErrLiquidationIncomplete means a liquidation left more shares behind
	// than the orphan tolerance allows; the position switch must not proceed.
	ErrLiquidationIncomplete = errors.New("liquidation incomplete above tolerance")
	// ErrLiquidationFailed means no shares were sold and the ledger is
	// untouched.
	ErrLiquidationFailed = errors.New("liquidation failed with zero fill")
	// ErrChaseAborted means the exit re-check showed the move reverted, so
	// the chase was abandoned and the position deliberately kept.
	ErrChaseAborted = errors.New("exit chase aborted, position kept")
	// ErrBuyFailed means an entry produced no shares and the ledger was
	// rolled back to pre-buy cash.
	ErrBuyFailed = errors.New("buy failed with zero fill")
	// ErrOrphanOutstanding means orphaned shares are still pending cleanup.
	ErrOrphanOutstanding = errors.New("orphaned shares still outstanding")
)

// Config holds the execution parameters for the trading core.
type Config struct {
	SymbolBull  string
	SymbolBear  string
	SymbolIndex string
	TradeBear   bool

	PricingMode           string
	MaxSlippagePercent    float64
	OrphanTolerance       int64
	FillPollInterval      time.Duration
	FillPollMaxIterations int
	ChaseTimeout          time.Duration
	// MaxChaseDeviationPercent aborts an entry chase once price has moved
	// this far from the original quote.
	MaxChaseDeviationPercent float64

	IOCRetryStepCents      decimal.Decimal
	IOCMaxRetries          int
	IOCMaxDeviationPercent float64
	IOCOffsetCents         decimal.Decimal
}

// FillRecord is one executed fill, handed to the journal.
type FillRecord struct {
	Symbol   string
	Side     string
	Quantity int64
	AvgPrice decimal.Decimal
	Proceeds decimal.Decimal
	Reason   string
	FilledAt time.Time
}

// Journal receives trade events. Implementations must tolerate being called
// from the background confirmation task.
type Journal interface {
	RecordFill(ctx context.Context, fill FillRecord) error
}

// Trader owns the ledger mutations for buys, liquidations and orphan sweeps.
type Trader struct {
	cfg    Config
	client broker.ExecutionClient
	ioc    broker.RetryingOrderExecutor
	store  *state.Store
	stops  *risk.Engine
	jrnl   Journal // nil when journaling is disabled
	logger zerolog.Logger

	// pendingDone is non-nil while a background buy confirmation is running.
	pendingMu   sync.Mutex
	pendingDone chan struct{}
}

// New wires the trading core. journal may be nil.
func New(cfg Config, client broker.ExecutionClient, ioc broker.RetryingOrderExecutor,
	store *state.Store, stops *risk.Engine, journal Journal, logger zerolog.Logger) *Trader {
	return &Trader{
		cfg:    cfg,
		client: client,
		ioc:    ioc,
		store:  store,
		stops:  stops,
		jrnl:   journal,
		logger: logger.With().Str("component", "Trader").Logger(),
	}
}

// State exposes the ledger for read-only observers (status API, pipeline).
func (t *Trader) State() *state.TradingState {
	return t.store.State()
}

// joinPending blocks until any outstanding buy confirmation resolves. No new
// order may be placed while one is in flight.
func (t *Trader) joinPending(ctx context.Context) error {
	t.pendingMu.Lock()
	done := t.pendingDone
	t.pendingMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trader) setPending(done chan struct{}) {
	t.pendingMu.Lock()
	t.pendingDone = done
	t.pendingMu.Unlock()
}

func (t *Trader) clearPending(done chan struct{}) {
	t.pendingMu.Lock()
	if t.pendingDone == done {
		t.pendingDone = nil
	}
	t.pendingMu.Unlock()
	close(done)
}

// Join blocks until any outstanding background buy confirmation has applied
// its ledger correction. The pipeline calls this at the top of every tick so
// no evaluation ever reads a provisional booking that is about to change.
func (t *Trader) Join(ctx context.Context) error {
	return t.joinPending(ctx)
}

// Shutdown waits for any outstanding background confirmation to finish.
func (t *Trader) Shutdown(ctx context.Context) error {
	return t.joinPending(ctx)
}

// recordFill forwards a fill to the journal, if configured. Journal failures
// are logged, never propagated: the ledger is the source of truth.
func (t *Trader) recordFill(ctx context.Context, fill FillRecord) {
	if t.jrnl == nil {
		return
	}
	if err := t.jrnl.RecordFill(ctx, fill); err != nil {
		t.logger.Warn().Err(err).Str("symbol", fill.Symbol).Msg("journal write failed")
	}
}

// directionFor maps a traded symbol to its stop-out direction.
func (t *Trader) directionFor(symbol string) string {
	switch symbol {
	case t.cfg.SymbolBull:
		return risk.DirectionBull
	case t.cfg.SymbolBear:
		return risk.DirectionBear
	}
	return risk.DirectionNone
}

// syncTrailingMirror copies the engine snapshot into the persisted ledger.
// Caller must hold the store's ledger lock.
func (t *Trader) syncTrailingMirror() {
	if t.stops == nil {
		return
	}
	snap := t.stops.Snapshot()
	st := t.store.State()
	st.HighWaterMark = snap.HighWaterMark
	st.LowWaterMark = snap.LowWaterMark
	st.TrailingStopValue = snap.TrailingStopValue
	st.IsStoppedOut = snap.IsStoppedOut
	st.StoppedOutDirection = snap.StoppedOutDirection
	st.WashoutLevel = snap.WashoutLevel
	st.StopoutTimestamp = snap.StopoutTime
}

// saveState persists the ledger, logging rather than propagating: a failed
// save must not turn a known fill outcome into a lost one.
func (t *Trader) saveState() {
	if err := t.store.Save(); err != nil {
		t.logger.Error().Err(err).Msg("state save failed")
	}
}
