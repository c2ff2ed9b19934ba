package trader

import (
	"context"
	"errors"
	"fmt"
)

// EnsurePosition drives the ledger toward holding target, liquidating the
// opposite side first and re-verifying broker truth before buying so the
// account can never hold both sides at once.
func (t *Trader) EnsurePosition(ctx context.Context, target, opposite string) error {
	// An in-flight buy confirmation may still be correcting the ledger; join
	// it before reading anything.
	if err := t.joinPending(ctx); err != nil {
		return err
	}

	// Never start a new entry while a stray partial liquidation is
	// outstanding.
	if err := t.CleanupOrphanedShares(ctx); err != nil {
		return fmt.Errorf("ensure %s: orphan cleanup: %w", target, err)
	}

	st := t.store.State()

	// Either source can be stale, so the opposite side counts as held when
	// the broker OR the local ledger says so.
	oppositeHeld := st.CurrentPosition == opposite && st.CurrentShares > 0
	var brokerOpp = t.queryLong(ctx, opposite)
	if brokerOpp != nil && brokerOpp.qty != 0 {
		oppositeHeld = true
	}

	if oppositeHeld {
		if brokerOpp != nil && brokerOpp.qty < 0 {
			return fmt.Errorf("ensure %s: opposite %s: %w", target, opposite, ErrShortDetected)
		}
		if err := t.LiquidatePosition(ctx, opposite, nil, nil); err != nil {
			// Do not buy while still effectively holding the wrong side.
			return fmt.Errorf("ensure %s: liquidate opposite %s: %w", target, opposite, err)
		}

		// Safeguard re-query: a concurrent or external order could have
		// re-created the position between the fill and now.
		pos, err := t.client.GetPosition(ctx, opposite)
		if err != nil {
			return fmt.Errorf("ensure %s: re-verify opposite %s: %w", target, opposite, err)
		}
		if pos != nil && pos.Qty != 0 {
			if pos.Qty < 0 {
				t.logger.Error().Str("symbol", opposite).Int64("qty", pos.Qty).
					Msg("short position appeared after liquidation; aborting transition")
				return fmt.Errorf("ensure %s: %w", target, ErrShortDetected)
			}
			// State-sync event: adopt broker truth and attempt an emergency
			// liquidation before proceeding.
			t.logger.Warn().Str("symbol", opposite).Int64("qty", pos.Qty).
				Msg("opposite position reappeared after liquidation; adopting broker truth and retrying")
			t.store.Lock()
			st.CurrentPosition = opposite
			st.CurrentShares = pos.Qty
			t.saveState()
			t.store.Unlock()
			if err := t.LiquidatePosition(ctx, opposite, pos, nil); err != nil {
				return fmt.Errorf("ensure %s: emergency liquidation of %s: %w", target, opposite, err)
			}
		}
	}

	// Opposite side is provably clear. Hold if the target is already owned.
	if st.CurrentPosition == target && st.CurrentShares > 0 {
		t.logger.Info().Str("symbol", target).Int64("shares", st.CurrentShares).
			Msg("target position already held")
		return nil
	}
	if pos, err := t.client.GetPosition(ctx, target); err == nil && pos != nil && pos.Qty > 0 {
		if st.CurrentPosition != target {
			t.logger.Warn().Str("symbol", target).Int64("qty", pos.Qty).
				Msg("broker already holds target unknown to ledger; adopting broker truth")
			t.store.Lock()
			st.CurrentPosition = target
			st.CurrentShares = pos.Qty
			t.saveState()
			t.store.Unlock()
		}
		return nil
	}

	return t.BuyPosition(ctx, target)
}

// EnsureNeutral liquidates whichever side is held. Idempotent when already
// flat: no broker calls, no state change.
func (t *Trader) EnsureNeutral(ctx context.Context, reason string, recheck func() bool) error {
	// The flat check below must see the settled ledger, not a provisional
	// booking an in-flight confirmation is about to correct.
	if err := t.joinPending(ctx); err != nil {
		return err
	}

	st := t.store.State()
	if st.Flat() && st.Orphaned == nil {
		return nil
	}

	t.logger.Info().Str("reason", reason).Msg("moving to neutral")

	symbols := []string{t.cfg.SymbolBull}
	if t.cfg.TradeBear {
		symbols = append(symbols, t.cfg.SymbolBear)
	}

	var firstErr error
	for _, sym := range symbols {
		if st.CurrentPosition != sym || st.CurrentShares == 0 {
			continue
		}
		if err := t.LiquidatePosition(ctx, sym, nil, recheck); err != nil {
			if errors.Is(err, ErrChaseAborted) {
				// Deliberate: the exit condition reverted, the position stays.
				return err
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("ensure neutral (%s): %w", reason, err)
			}
		}
	}

	if st.Orphaned != nil {
		if err := t.CleanupOrphanedShares(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ensure neutral (%s): %w", reason, err)
		}
	}
	return firstErr
}

// brokerLong is a reduced position view used by EnsurePosition.
type brokerLong struct {
	qty int64
}

// queryLong fetches the broker position, tolerating transient errors: a
// failed query degrades to trusting local state rather than blocking the
// transition.
func (t *Trader) queryLong(ctx context.Context, symbol string) *brokerLong {
	pos, err := t.client.GetPosition(ctx, symbol)
	if err != nil {
		t.logger.Warn().Err(err).Str("symbol", symbol).Msg("broker position query failed, trusting local state")
		return nil
	}
	if pos == nil {
		return &brokerLong{qty: 0}
	}
	return &brokerLong{qty: pos.Qty}
}
