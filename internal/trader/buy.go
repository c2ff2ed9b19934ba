package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/broker"
	"etf-trading-bot/internal/risk"
)

// BuyPosition spends the full spendable balance (cash + accumulated leftover)
// on symbol. Quantity is floored to whole shares at the effective price; the
// residual becomes the new accumulated leftover.
//
// IOC mode blocks until the outcome is known and rolls back on zero fill.
// The standard path provisionally updates the ledger with an estimate and
// corrects it from a background confirmation task; the task handle is joined
// before any subsequent order is allowed.
func (t *Trader) BuyPosition(ctx context.Context, symbol string) error {
	if err := t.joinPending(ctx); err != nil {
		return err
	}

	st := t.store.State()
	if st.CurrentPosition == symbol && st.CurrentShares > 0 {
		t.logger.Info().Str("symbol", symbol).Msg("already holding target position, nothing to buy")
		return nil
	}

	quote, err := t.client.GetLatestPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("buy %s: quote: %w", symbol, err)
	}

	spendable := st.SpendableCash()
	effective := t.effectiveBuyPrice(quote)
	qty := spendable.Div(effective).Floor().IntPart()
	if qty <= 0 {
		// Deliberate hard stop: the strategy has run out of capital and the
		// condition cannot self-resolve by retrying.
		t.logger.Error().
			Str("symbol", symbol).
			Str("spendable", spendable.String()).
			Str("price", effective.String()).
			Msg("cannot afford a single share; halting")
		t.store.Lock()
		t.saveState()
		t.store.Unlock()
		return ErrCapitalExhausted
	}

	if t.cfg.PricingMode == PricingIOC {
		return t.buyIOC(ctx, symbol, qty, quote, spendable)
	}
	return t.buyStandard(ctx, symbol, qty, quote, effective, spendable)
}

// effectiveBuyPrice is the per-share price used to size the order.
func (t *Trader) effectiveBuyPrice(quote decimal.Decimal) decimal.Decimal {
	switch t.cfg.PricingMode {
	case PricingLimit:
		slip := decimal.NewFromFloat(t.cfg.MaxSlippagePercent).Div(oneHundred)
		return quote.Mul(decimal.NewFromInt(1).Add(slip))
	case PricingIOC:
		return quote.Add(t.cfg.IOCOffsetCents.Div(oneHundred))
	default:
		return quote
	}
}

// buyIOC runs the stepped IOC entry. A zero fill leaves the ledger exactly as
// it was; any fill is owned and booked.
func (t *Trader) buyIOC(ctx context.Context, symbol string, qty int64, quote, spendable decimal.Decimal) error {
	limit := quote.Add(t.cfg.IOCOffsetCents.Div(oneHundred))
	res, err := t.ioc.Execute(ctx, symbol, qty, broker.SideBuy, limit,
		t.cfg.IOCRetryStepCents.Div(oneHundred),
		t.cfg.IOCMaxRetries, t.cfg.IOCMaxDeviationPercent)
	if err != nil {
		return fmt.Errorf("buy %s: ioc: %w", symbol, err)
	}
	if res.FilledQty == 0 {
		return fmt.Errorf("%w: %s", ErrBuyFailed, symbol)
	}

	t.applyBuyFill(ctx, symbol, "ioc_entry", res.FilledQty, res.AvgPrice, res.TotalProceeds, spendable)
	return nil
}

// buyStandard submits a market or marketable-limit order, provisionally books
// the estimated fill, and corrects from a detached confirmation task so the
// tick loop is not blocked by the fill-confirmation window.
func (t *Trader) buyStandard(ctx context.Context, symbol string, qty int64,
	quote, effective, spendable decimal.Decimal) error {

	req := broker.OrderRequest{
		ClientID:    uuid.NewString(),
		Symbol:      symbol,
		Side:        broker.SideBuy,
		Type:        broker.TypeMarket,
		TimeInForce: broker.TIFDay,
		Quantity:    qty,
	}
	if t.cfg.PricingMode == PricingLimit {
		req.Type = broker.TypeLimit
		req.LimitPrice = effective
	}

	order, err := t.client.SubmitOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("buy %s: submit: %w", symbol, err)
	}

	// Provisional booking with the estimate; the confirmation task corrects
	// for actual slippage or rolls back on zero fill.
	t.store.Lock()
	st := t.store.State()
	preCash := st.AvailableCash
	preLeftover := st.AccumulatedLeftover
	st.CurrentPosition = symbol
	st.CurrentShares = qty
	st.AvailableCash = decimal.Zero
	st.AccumulatedLeftover = spendable.Sub(effective.Mul(decimal.NewFromInt(qty)))
	t.armStops(ctx, symbol)
	t.saveState()
	t.store.Unlock()

	t.logger.Info().
		Str("symbol", symbol).
		Str("order_id", order.ID).
		Int64("shares", qty).
		Str("estimate_price", effective.String()).
		Msg("buy order submitted, ledger provisionally updated")

	done := make(chan struct{})
	t.setPending(done)
	go func() {
		defer t.clearPending(done)
		t.confirmBuyFill(ctx, order, symbol, qty, quote, spendable, preCash, preLeftover)
	}()
	return nil
}

// confirmBuyFill polls the entry order to a terminal state and applies the
// correction policy: confirmed fill -> slippage-corrected leftover; zero-fill
// cancel/reject -> full rollback; partial fill -> corrected to the partial
// amount (those shares are genuinely owned, never rolled back).
func (t *Trader) confirmBuyFill(ctx context.Context, order *broker.Order, symbol string,
	qty int64, quote, spendable, preCash, preLeftover decimal.Decimal) {

	bought := int64(0)
	cost := decimal.Zero
	submittedAt := time.Now()
	chased := false

	for i := 0; i < t.cfg.FillPollMaxIterations; i++ {
		select {
		case <-ctx.Done():
			t.logger.Warn().Str("order_id", order.ID).Msg("shutdown during buy confirmation, provisional ledger stands")
			return
		case <-time.After(t.cfg.FillPollInterval):
		}

		current, err := t.client.GetOrder(ctx, order.ID)
		if err != nil {
			t.logger.Warn().Err(err).Str("order_id", order.ID).Msg("buy fill poll failed, retrying")
			continue
		}

		if current.Terminal() {
			bought += current.FilledQty
			cost = cost.Add(current.FilledValue())
			t.settleBuy(ctx, symbol, bought, cost, spendable, preCash, preLeftover)
			return
		}

		if !chased && current.Type == broker.TypeLimit && time.Since(submittedAt) > t.cfg.ChaseTimeout {
			if _, cancelErr := t.client.CancelOrder(ctx, current.ID); cancelErr != nil {
				t.logger.Warn().Err(cancelErr).Str("order_id", current.ID).Msg("cancel before entry chase failed")
			}
			settled, settleErr := t.awaitCancelSettled(ctx, current.ID)
			if settleErr != nil {
				t.logger.Error().Err(settleErr).Str("order_id", current.ID).Msg("entry chase settle failed, provisional ledger stands")
				return
			}
			bought += settled.FilledQty
			cost = cost.Add(settled.FilledValue())

			// Deviation guard: do not chase a runaway market. Keep only what
			// already filled.
			latest, quoteErr := t.client.GetLatestPrice(ctx, symbol)
			if quoteErr == nil && t.chaseDeviationExceeded(quote, latest) {
				t.logger.Warn().
					Str("symbol", symbol).
					Str("original_quote", quote.String()).
					Str("latest", latest.String()).
					Float64("max_deviation_pct", t.cfg.MaxChaseDeviationPercent).
					Msg("entry chase deviation guard tripped, keeping partial fill only")
				t.settleBuy(ctx, symbol, bought, cost, spendable, preCash, preLeftover)
				return
			}

			remaining := qty - bought
			if remaining <= 0 {
				t.settleBuy(ctx, symbol, bought, cost, spendable, preCash, preLeftover)
				return
			}
			chaser, chaseErr := t.client.SubmitOrder(ctx, broker.OrderRequest{
				ClientID:    uuid.NewString(),
				Symbol:      symbol,
				Side:        broker.SideBuy,
				Type:        broker.TypeMarket,
				TimeInForce: broker.TIFDay,
				Quantity:    remaining,
			})
			if chaseErr != nil {
				t.logger.Error().Err(chaseErr).Str("symbol", symbol).Msg("entry chaser submit failed, settling partial")
				t.settleBuy(ctx, symbol, bought, cost, spendable, preCash, preLeftover)
				return
			}
			t.logger.Warn().
				Str("symbol", symbol).
				Str("order_id", chaser.ID).
				Int64("remaining", remaining).
				Msg("limit buy timed out, chasing with market order")
			order = chaser
			chased = true
		}
	}

	t.logger.Error().Str("order_id", order.ID).Msg("buy fill poll budget exhausted, cancelling remainder")
	if _, cancelErr := t.client.CancelOrder(ctx, order.ID); cancelErr != nil {
		t.logger.Warn().Err(cancelErr).Str("order_id", order.ID).Msg("cancel after poll budget failed")
	}
	if settled, settleErr := t.awaitCancelSettled(ctx, order.ID); settleErr == nil {
		bought += settled.FilledQty
		cost = cost.Add(settled.FilledValue())
	}
	t.settleBuy(ctx, symbol, bought, cost, spendable, preCash, preLeftover)
}

// chaseDeviationExceeded reports whether price moved beyond the configured
// percentage since the original quote.
func (t *Trader) chaseDeviationExceeded(original, latest decimal.Decimal) bool {
	if original.IsZero() {
		return false
	}
	deviation := latest.Sub(original).Abs().Div(original).Mul(oneHundred)
	return deviation.GreaterThan(decimal.NewFromFloat(t.cfg.MaxChaseDeviationPercent))
}

// settleBuy applies the final entry outcome over the provisional booking.
// Corrections are narrow and idempotent: shares and leftover are recomputed
// from the confirmed totals, never read-modify-written incrementally.
func (t *Trader) settleBuy(ctx context.Context, symbol string, bought int64,
	cost, spendable, preCash, preLeftover decimal.Decimal) {

	t.store.Lock()
	st := t.store.State()
	if bought == 0 {
		// Nothing filled: roll the ledger back to pre-buy cash.
		if st.CurrentPosition == symbol {
			st.ClearPosition()
		}
		st.AvailableCash = preCash
		st.AccumulatedLeftover = preLeftover
		t.saveState()
		t.store.Unlock()
		t.logger.Warn().Str("symbol", symbol).Msg("buy produced no fill, ledger rolled back")
		return
	}

	st.CurrentPosition = symbol
	st.CurrentShares = bought
	st.AvailableCash = decimal.Zero
	st.AccumulatedLeftover = spendable.Sub(cost)
	t.saveState()
	t.store.Unlock()

	avg := cost.Div(decimal.NewFromInt(bought))
	t.logger.Info().
		Str("symbol", symbol).
		Int64("shares", bought).
		Str("avg_price", avg.String()).
		Str("cost", cost.String()).
		Msg("buy settled")

	t.recordFill(ctx, FillRecord{
		Symbol:   symbol,
		Side:     broker.SideBuy,
		Quantity: bought,
		AvgPrice: avg,
		Proceeds: cost.Neg(),
		Reason:   "entry",
		FilledAt: time.Now(),
	})
}

// applyBuyFill books a fully-known entry fill (IOC path) in one step.
func (t *Trader) applyBuyFill(ctx context.Context, symbol, reason string, bought int64,
	avg, cost, spendable decimal.Decimal) {

	t.store.Lock()
	st := t.store.State()
	st.CurrentPosition = symbol
	st.CurrentShares = bought
	st.AvailableCash = decimal.Zero
	st.AccumulatedLeftover = spendable.Sub(cost)
	t.armStops(ctx, symbol)
	t.saveState()
	t.store.Unlock()

	t.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Int64("shares", bought).
		Str("avg_price", avg.String()).
		Str("cost", cost.String()).
		Msg("buy settled")

	t.recordFill(ctx, FillRecord{
		Symbol:   symbol,
		Side:     broker.SideBuy,
		Quantity: bought,
		AvgPrice: avg,
		Proceeds: cost.Neg(),
		Reason:   reason,
		FilledAt: time.Now(),
	})
}

// armStops seeds the trailing-stop watermark from the current benchmark price
// and mirrors the engine state into the ledger. Caller must hold the store's
// ledger lock.
func (t *Trader) armStops(ctx context.Context, symbol string) {
	if t.stops == nil {
		return
	}
	direction := t.directionFor(symbol)
	if direction == risk.DirectionNone {
		return
	}
	indexPx, err := t.client.GetLatestPrice(ctx, t.cfg.SymbolIndex)
	if err != nil {
		t.logger.Warn().Err(err).Str("symbol", t.cfg.SymbolIndex).Msg("benchmark quote unavailable, stop arms on next tick")
		return
	}
	t.stops.Arm(direction, indexPx)
	t.syncTrailingMirror()
}
