// Package pipeline is the single-threaded scheduler: one consumer loop drains
// a bounded, drop-oldest tick channel and runs signal handling, trailing-stop
// evaluation and position transitions in order, once per tick. Under load the
// system prefers skipping stale ticks over blocking the producer or queueing
// unbounded memory.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/broker"
	"etf-trading-bot/internal/risk"
	"etf-trading-bot/internal/state"
	"etf-trading-bot/internal/trader"
)

// Regime signals delivered by the upstream signal generator.
const (
	SignalBull        = "BULL"
	SignalBear        = "BEAR"
	SignalNeutral     = "NEUTRAL"
	SignalMarketClose = "MARKET_CLOSE"
)

// Tick is one evaluation of the upstream signal generator: the regime call,
// the benchmark price it was computed from, and the hysteresis band edges.
type Tick struct {
	Signal    string          `json:"signal"`
	Price     decimal.Decimal `json:"price"`
	UpperBand decimal.Decimal `json:"upper_band"`
	LowerBand decimal.Decimal `json:"lower_band"`
	At        time.Time       `json:"ts"`
}

// Config holds driver settings.
type Config struct {
	SymbolBull  string
	SymbolBear  string
	SymbolIndex string
	TradeBear   bool
	ChannelSize int
}

// Driver owns the tick channel and the consumer loop.
type Driver struct {
	cfg    Config
	ticks  chan Tick
	trader *trader.Trader
	stops  *risk.Engine
	store  *state.Store
	client broker.ExecutionClient
	logger zerolog.Logger

	dropped int64
}

// NewDriver wires the consumer loop.
func NewDriver(cfg Config, tr *trader.Trader, stops *risk.Engine, store *state.Store,
	client broker.ExecutionClient, logger zerolog.Logger) *Driver {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 64
	}
	return &Driver{
		cfg:    cfg,
		ticks:  make(chan Tick, cfg.ChannelSize),
		trader: tr,
		stops:  stops,
		store:  store,
		client: client,
		logger: logger.With().Str("component", "Pipeline").Logger(),
	}
}

// Offer enqueues a tick without ever blocking the producer: when the channel
// is full the oldest queued tick is dropped to make room.
func (d *Driver) Offer(tick Tick) {
	for {
		select {
		case d.ticks <- tick:
			return
		default:
		}
		select {
		case <-d.ticks:
			d.dropped++
			if d.dropped%100 == 1 {
				d.logger.Warn().Int64("dropped_total", d.dropped).Msg("tick channel full, dropping oldest")
			}
		default:
		}
	}
}

// Run drains the tick channel until ctx is cancelled. Cancellation is a
// normal shutdown; a capital-exhaustion error from the trader terminates the
// loop and is returned to the caller.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info().Msg("pipeline started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("pipeline shutting down")
			if err := d.trader.Shutdown(context.Background()); err != nil {
				d.logger.Warn().Err(err).Msg("trader shutdown incomplete")
			}
			return nil
		case tick := <-d.ticks:
			if err := d.processTick(ctx, tick); err != nil {
				if errors.Is(err, trader.ErrCapitalExhausted) {
					return err
				}
				if errors.Is(err, context.Canceled) {
					continue // loop exits on the next select
				}
				// Transient and expected failures retry on the next tick.
				d.logger.Warn().Err(err).Str("signal", tick.Signal).Msg("tick processing failed")
			}
		}
	}
}

// Process runs one tick synchronously. Replay tooling drives the pipeline
// through this; live trading goes through Offer and Run.
func (d *Driver) Process(ctx context.Context, tick Tick) error {
	return d.processTick(ctx, tick)
}

// processTick runs one full evaluation: day rollover, trailing-stop state
// machine, latch gate, then the position transition the signal asks for.
func (d *Driver) processTick(ctx context.Context, tick Tick) error {
	// The previous tick's buy confirmation may still be correcting the
	// ledger; every read below must see the settled values.
	if err := d.trader.Join(ctx); err != nil {
		return err
	}

	st := d.store.State()

	// Replayed recordings roll days on the recorded timestamps; live ticks
	// may arrive without one.
	now := tick.At
	if now.IsZero() {
		now = time.Now()
	}
	eq := d.equity(ctx, st)
	d.store.Lock()
	rolled := st.RolloverDay(now, eq)
	d.store.Unlock()
	if rolled {
		d.logger.Info().
			Str("day_start_balance", st.DayStartBalance.String()).
			Msg("new trading day")
		if err := d.store.Save(); err != nil {
			d.logger.Error().Err(err).Msg("day rollover save failed")
		}
	}

	res := d.stops.ProcessTick(tick.Price, st.CurrentPosition, st.CurrentShares, tick.UpperBand, tick.LowerBand)
	d.syncTrailing(res.StopTriggered || res.LatchCleared)

	signal := tick.Signal
	var recheck func() bool
	if res.StopTriggered {
		d.logger.Warn().
			Str("position", st.CurrentPosition).
			Str("price", tick.Price.String()).
			Msg("trailing stop triggered, forcing NEUTRAL")
		signal = res.ForcedSignal
		recheck = d.stopRecheck
	}
	if res.LatchCleared {
		d.logger.Info().Str("price", tick.Price.String()).Msg("washout latch cleared, re-entry allowed")
	}

	switch signal {
	case SignalBull:
		if res.LatchBlocksEntry || d.stops.Latched() {
			d.logger.Debug().Msg("washout latch blocks BULL entry")
			return nil
		}
		return d.trader.EnsurePosition(ctx, d.cfg.SymbolBull, d.cfg.SymbolBear)
	case SignalBear:
		if !d.cfg.TradeBear {
			return d.trader.EnsureNeutral(ctx, "bear signal with bear leg disabled", nil)
		}
		if res.LatchBlocksEntry || d.stops.Latched() {
			d.logger.Debug().Msg("washout latch blocks BEAR entry")
			return nil
		}
		return d.trader.EnsurePosition(ctx, d.cfg.SymbolBear, d.cfg.SymbolBull)
	case SignalNeutral:
		err := d.trader.EnsureNeutral(ctx, "neutral signal", recheck)
		if errors.Is(err, trader.ErrChaseAborted) {
			// Position deliberately kept on a reverted move; clear the latch
			// so the held position keeps its stop protection.
			d.stops.Reset()
			d.syncTrailing(true)
			return nil
		}
		return err
	case SignalMarketClose:
		return d.trader.EnsureNeutral(ctx, "market close", nil)
	default:
		d.logger.Warn().Str("signal", signal).Msg("unknown signal, ignoring tick")
		return nil
	}
}

// stopRecheck re-reads the benchmark and reports whether the stop breach
// still holds; false aborts the liquidation chase.
func (d *Driver) stopRecheck() bool {
	price, err := d.client.GetLatestPrice(context.Background(), d.cfg.SymbolIndex)
	if err != nil {
		// Fill-or-kill bias: with the benchmark unreadable, keep chasing.
		return true
	}
	return d.stops.StopStillBreached(price)
}

// equity values the ledger for day-rollover bookkeeping: cash plus the marked
// value of held and orphaned shares.
func (d *Driver) equity(ctx context.Context, st *state.TradingState) decimal.Decimal {
	total := st.SpendableCash()
	if st.CurrentShares > 0 {
		if px, err := d.client.GetLatestPrice(ctx, st.CurrentPosition); err == nil {
			total = total.Add(px.Mul(decimal.NewFromInt(st.CurrentShares)))
		}
	}
	if st.Orphaned != nil {
		if px, err := d.client.GetLatestPrice(ctx, st.Orphaned.Symbol); err == nil {
			total = total.Add(px.Mul(decimal.NewFromInt(st.Orphaned.Shares)))
		}
	}
	return total
}

// syncTrailing mirrors the engine snapshot into the ledger. Watermark-only
// updates are debounced; state-changing events flush immediately.
func (d *Driver) syncTrailing(force bool) {
	snap := d.stops.Snapshot()
	d.store.Lock()
	st := d.store.State()
	st.HighWaterMark = snap.HighWaterMark
	st.LowWaterMark = snap.LowWaterMark
	st.TrailingStopValue = snap.TrailingStopValue
	st.IsStoppedOut = snap.IsStoppedOut
	st.StoppedOutDirection = snap.StoppedOutDirection
	st.WashoutLevel = snap.WashoutLevel
	st.StopoutTimestamp = snap.StopoutTime
	err := d.store.SaveWatermarks(force)
	d.store.Unlock()
	if err != nil {
		d.logger.Error().Err(err).Msg("trailing state save failed")
	}
}
