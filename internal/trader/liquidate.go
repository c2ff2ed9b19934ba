package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/broker"
	"etf-trading-bot/internal/state"
)

// LiquidatePosition sells the ledger's holding of symbol and blocks until the
// fill outcome is known. The share count sold is the LOCAL ledger count, not
// the broker's: in a multi-instance deployment this instance only sells what
// it believes it owns.
//
// known may carry a broker position already fetched by the caller; pass nil
// to have it queried. recheck, when non-nil, is consulted before chasing a
// timed-out limit order: returning false means the exit condition has
// reverted and the chase is abandoned (ErrChaseAborted).
func (t *Trader) LiquidatePosition(ctx context.Context, symbol string, known *broker.Position, recheck func() bool) error {
	if err := t.joinPending(ctx); err != nil {
		return err
	}

	st := t.store.State()
	shares := int64(0)
	if st.CurrentPosition == symbol {
		shares = st.CurrentShares
	}

	if shares == 0 {
		pos := known
		if pos == nil {
			var err error
			pos, err = t.client.GetPosition(ctx, symbol)
			if err != nil {
				return fmt.Errorf("liquidate %s: query position: %w", symbol, err)
			}
		}
		switch {
		case pos == nil || pos.Qty == 0:
			return nil
		case pos.Qty < 0:
			t.logger.Error().
				Str("symbol", symbol).
				Int64("broker_qty", pos.Qty).
				Msg("broker reports a SHORT position; refusing to touch it")
			return ErrShortDetected
		default:
			// Dangerous mismatch: the broker holds shares the ledger does not
			// know about. Adopt broker truth and liquidate, so the position
			// cannot exist silently.
			t.logger.Warn().
				Str("symbol", symbol).
				Int64("broker_qty", pos.Qty).
				Msg("local ledger flat but broker holds a long position; adopting broker truth")
			t.store.Lock()
			st.CurrentPosition = symbol
			st.CurrentShares = pos.Qty
			t.saveState()
			t.store.Unlock()
			shares = pos.Qty
		}
	} else if known != nil && known.Qty < 0 {
		t.logger.Error().Str("symbol", symbol).Int64("broker_qty", known.Qty).
			Msg("broker reports a SHORT position; refusing to touch it")
		return ErrShortDetected
	}

	quote, err := t.client.GetLatestPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("liquidate %s: quote: %w", symbol, err)
	}
	estimate := quote.Mul(decimal.NewFromInt(shares))

	// IOC machine-gun first when configured; its zero-fill case falls back to
	// the standard path below.
	if t.cfg.PricingMode == PricingIOC {
		limit := quote.Sub(t.cfg.IOCOffsetCents.Div(decimal.NewFromInt(100)))
		res, err := t.ioc.Execute(ctx, symbol, shares, broker.SideSell, limit,
			t.cfg.IOCRetryStepCents.Div(decimal.NewFromInt(100)),
			t.cfg.IOCMaxRetries, t.cfg.IOCMaxDeviationPercent)
		if err != nil {
			return fmt.Errorf("liquidate %s: ioc: %w", symbol, err)
		}
		if res.FilledQty > 0 {
			return t.settleSell(ctx, symbol, "ioc_liquidation", shares,
				res.FilledQty, res.TotalProceeds, estimate, false)
		}
		t.logger.Warn().Str("symbol", symbol).Msg("IOC liquidation filled nothing, falling back to standard path")
	}

	order, err := t.submitStandardSell(ctx, symbol, shares, quote)
	if err != nil {
		return err
	}

	sold, proceeds, aborted, err := t.awaitSellFill(ctx, order, symbol, shares, recheck)
	if err != nil {
		return err
	}
	return t.settleSell(ctx, symbol, "standard_liquidation", shares, sold, proceeds, estimate, aborted)
}

// submitStandardSell places the standard-path order: a marketable limit in
// limit mode, a plain market order otherwise (including the IOC fallback).
func (t *Trader) submitStandardSell(ctx context.Context, symbol string, shares int64, quote decimal.Decimal) (*broker.Order, error) {
	req := broker.OrderRequest{
		ClientID:    uuid.NewString(),
		Symbol:      symbol,
		Side:        broker.SideSell,
		Type:        broker.TypeMarket,
		TimeInForce: broker.TIFDay,
		Quantity:    shares,
	}
	if t.cfg.PricingMode == PricingLimit {
		slip := decimal.NewFromFloat(t.cfg.MaxSlippagePercent).Div(oneHundred)
		req.Type = broker.TypeLimit
		req.LimitPrice = quote.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	order, err := t.client.SubmitOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("liquidate %s: submit: %w", symbol, err)
	}
	t.logger.Info().
		Str("symbol", symbol).
		Str("order_id", order.ID).
		Str("type", req.Type).
		Int64("shares", shares).
		Msg("liquidation order submitted")
	return order, nil
}

// awaitSellFill polls the order to a terminal status, applying the
// cancel-then-chase policy on timeout. Returns the total sold quantity and
// proceeds across the original order and any chaser. aborted is true when the
// chase was abandoned because the exit re-check reverted.
func (t *Trader) awaitSellFill(ctx context.Context, order *broker.Order, symbol string,
	shares int64, recheck func() bool) (sold int64, proceeds decimal.Decimal, aborted bool, err error) {

	proceeds = decimal.Zero
	submittedAt := time.Now()
	chased := false

	for i := 0; i < t.cfg.FillPollMaxIterations; i++ {
		select {
		case <-ctx.Done():
			return 0, decimal.Zero, false, ctx.Err()
		case <-time.After(t.cfg.FillPollInterval):
		}

		current, pollErr := t.client.GetOrder(ctx, order.ID)
		if pollErr != nil {
			// Fill unknown is not ledger corruption; keep polling.
			t.logger.Warn().Err(pollErr).Str("order_id", order.ID).Msg("sell fill poll failed, retrying")
			continue
		}

		if current.Terminal() {
			sold += current.FilledQty
			proceeds = proceeds.Add(current.FilledValue())
			return sold, proceeds, false, nil
		}

		if !chased && current.Type == broker.TypeLimit && time.Since(submittedAt) > t.cfg.ChaseTimeout {
			if _, cancelErr := t.client.CancelOrder(ctx, current.ID); cancelErr != nil {
				t.logger.Warn().Err(cancelErr).Str("order_id", current.ID).Msg("cancel before chase failed")
			}
			settled, settleErr := t.awaitCancelSettled(ctx, current.ID)
			if settleErr != nil {
				return 0, decimal.Zero, false, settleErr
			}
			sold += settled.FilledQty
			proceeds = proceeds.Add(settled.FilledValue())

			if recheck != nil && !recheck() {
				// V-shaped reversal: the exit condition is no longer true.
				// Keep whatever did not fill instead of forcing it out.
				t.logger.Info().Str("symbol", symbol).Msg("exit condition reverted during chase, keeping position")
				return sold, proceeds, true, nil
			}

			remaining := shares - sold
			if remaining <= 0 {
				return sold, proceeds, false, nil
			}
			chaser, chaseErr := t.client.SubmitOrder(ctx, broker.OrderRequest{
				ClientID:    uuid.NewString(),
				Symbol:      symbol,
				Side:        broker.SideSell,
				Type:        broker.TypeMarket,
				TimeInForce: broker.TIFDay,
				Quantity:    remaining,
			})
			if chaseErr != nil {
				return sold, proceeds, false, fmt.Errorf("liquidate %s: chaser submit: %w", symbol, chaseErr)
			}
			t.logger.Warn().
				Str("symbol", symbol).
				Str("order_id", chaser.ID).
				Int64("remaining", remaining).
				Msg("limit sell timed out, chasing with market order")
			order = chaser
			chased = true
		}
	}

	// Poll budget exhausted with the order still open: cancel and settle with
	// whatever filled.
	t.logger.Error().Str("order_id", order.ID).Msg("sell fill poll budget exhausted, cancelling remainder")
	if _, cancelErr := t.client.CancelOrder(ctx, order.ID); cancelErr != nil {
		t.logger.Warn().Err(cancelErr).Str("order_id", order.ID).Msg("cancel after poll budget failed")
	}
	settled, settleErr := t.awaitCancelSettled(ctx, order.ID)
	if settleErr != nil {
		return 0, decimal.Zero, false, settleErr
	}
	sold += settled.FilledQty
	proceeds = proceeds.Add(settled.FilledValue())
	return sold, proceeds, false, nil
}

// awaitCancelSettled re-reads an order after a cancel so fills that landed
// before the cancel took effect are not lost.
func (t *Trader) awaitCancelSettled(ctx context.Context, orderID string) (*broker.Order, error) {
	var last *broker.Order
	for i := 0; i < 10; i++ {
		current, err := t.client.GetOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("settle cancelled order %s: %w", orderID, err)
		}
		last = current
		if current.Terminal() {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return last, nil
}

// settleSell reconciles a sell outcome into the ledger. Exactly one of the
// outcome classes applies:
//
//	full fill            -> position cleared, success
//	remainder <= tol     -> position cleared, remainder parked as orphan, success
//	remainder > tol      -> remainder kept as the live position, failure
//	zero fill            -> ledger untouched, failure
//	aborted (chase)      -> remainder kept, ErrChaseAborted
func (t *Trader) settleSell(ctx context.Context, symbol, reason string, shares, sold int64,
	proceeds, estimate decimal.Decimal, aborted bool) error {

	if sold == 0 {
		if aborted {
			return ErrChaseAborted
		}
		return fmt.Errorf("%w: %s", ErrLiquidationFailed, symbol)
	}

	remaining := shares - sold
	slippage := estimate.Mul(decimal.NewFromInt(sold)).Div(decimal.NewFromInt(shares)).Sub(proceeds)
	avg := proceeds.Div(decimal.NewFromInt(sold))

	t.store.Lock()
	st := t.store.State()
	st.AvailableCash = st.AvailableCash.Add(proceeds)

	switch {
	case aborted && remaining > 0:
		st.CurrentShares = remaining
	case remaining == 0:
		st.ClearPosition()
	case remaining <= t.cfg.OrphanTolerance:
		// Good-enough liquidation: the switch proceeds, the stray remainder
		// is swept later.
		st.Orphaned = &state.OrphanedShares{
			Symbol:    symbol,
			Shares:    remaining,
			CreatedAt: time.Now(),
		}
		st.ClearPosition()
	default:
		st.CurrentShares = remaining
	}
	t.saveState()
	t.store.Unlock()

	t.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Int64("sold", sold).
		Int64("remaining", remaining).
		Str("avg_price", avg.String()).
		Str("proceeds", proceeds.String()).
		Str("slippage", slippage.String()).
		Msg("liquidation settled")

	t.recordFill(ctx, FillRecord{
		Symbol:   symbol,
		Side:     broker.SideSell,
		Quantity: sold,
		AvgPrice: avg,
		Proceeds: proceeds,
		Reason:   reason,
		FilledAt: time.Now(),
	})

	switch {
	case aborted && remaining > 0:
		return ErrChaseAborted
	case remaining == 0 || remaining <= t.cfg.OrphanTolerance:
		return nil
	default:
		return fmt.Errorf("%w: %s remaining=%d", ErrLiquidationIncomplete, symbol, remaining)
	}
}

var oneHundred = decimal.NewFromInt(100)
