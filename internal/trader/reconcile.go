package trader

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/risk"
)

// ReconcileAtStartup aligns the restored ledger with broker truth before the
// first tick is processed: it rehydrates the trailing-stop engine from the
// persisted mirror, corrects long-position mismatches from the broker, and
// fires any stop that became due while the process was offline.
//
// A broker-reported short position aborts startup entirely; the engine never
// manages shorts.
func (t *Trader) ReconcileAtStartup(ctx context.Context) error {
	st := t.store.State()

	if t.stops != nil {
		t.stops.Restore(risk.Snapshot{
			HighWaterMark:       st.HighWaterMark,
			LowWaterMark:        st.LowWaterMark,
			TrailingStopValue:   st.TrailingStopValue,
			IsStoppedOut:        st.IsStoppedOut,
			StoppedOutDirection: st.StoppedOutDirection,
			WashoutLevel:        st.WashoutLevel,
			StopoutTime:         st.StopoutTimestamp,
		})
	}

	symbols := []string{t.cfg.SymbolBull}
	if t.cfg.TradeBear {
		symbols = append(symbols, t.cfg.SymbolBear)
	}

	for _, sym := range symbols {
		pos, err := t.client.GetPosition(ctx, sym)
		if err != nil {
			t.logger.Warn().Err(err).Str("symbol", sym).Msg("startup position query failed, trusting local state")
			continue
		}
		localHeld := st.CurrentPosition == sym && st.CurrentShares > 0

		switch {
		case pos != nil && pos.Qty < 0:
			t.logger.Error().Str("symbol", sym).Int64("qty", pos.Qty).
				Msg("broker reports a SHORT position at startup")
			return fmt.Errorf("startup reconciliation %s: %w", sym, ErrShortDetected)

		case (pos == nil || pos.Qty == 0) && localHeld:
			// The shares the ledger remembers are gone; broker truth wins.
			t.logger.Warn().Str("symbol", sym).Int64("local_shares", st.CurrentShares).
				Msg("ledger holds a position the broker does not; clearing local position")
			t.store.Lock()
			st.ClearPosition()
			t.saveState()
			t.store.Unlock()

		case pos != nil && pos.Qty > 0 && !localHeld:
			t.logger.Warn().Str("symbol", sym).Int64("qty", pos.Qty).
				Msg("broker holds a position the ledger does not; adopting broker truth")
			t.store.Lock()
			st.CurrentPosition = sym
			st.CurrentShares = pos.Qty
			t.saveState()
			t.store.Unlock()

		case pos != nil && pos.Qty > 0 && localHeld && pos.Qty != st.CurrentShares:
			t.logger.Warn().Str("symbol", sym).
				Int64("local_shares", st.CurrentShares).
				Int64("broker_qty", pos.Qty).
				Msg("share count mismatch; adopting broker quantity")
			t.store.Lock()
			st.CurrentShares = pos.Qty
			t.saveState()
			t.store.Unlock()
		}
	}

	// A stop that should have fired while offline must not be skipped.
	if st.CurrentPosition != "" && t.stops != nil {
		indexPx, err := t.client.GetLatestPrice(ctx, t.cfg.SymbolIndex)
		if err != nil {
			t.logger.Warn().Err(err).Msg("benchmark quote unavailable at startup, stop check deferred to first tick")
			return nil
		}
		if t.stops.ShouldTriggerImmediateStopLoss(indexPx, st.CurrentPosition) {
			t.logger.Warn().
				Str("position", st.CurrentPosition).
				Str("benchmark", indexPx.String()).
				Msg("trailing stop became due while offline, liquidating immediately")
			// ProcessTick engages the washout latch exactly as a live tick
			// would have. Band edges are unknown before the first tick, so
			// the stop-out price doubles as the washout level.
			t.stops.ProcessTick(indexPx, st.CurrentPosition, st.CurrentShares, decimal.Zero, decimal.Zero)
			t.store.Lock()
			t.syncTrailingMirror()
			t.saveState()
			t.store.Unlock()
			if err := t.EnsureNeutral(ctx, "startup_stop", nil); err != nil {
				return fmt.Errorf("startup stop liquidation: %w", err)
			}
		}
	}
	return nil
}
