package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/broker"
)

// CleanupOrphanedShares sweeps the leftover quantity a good-enough partial
// liquidation left behind. Known stray shares are never silently dropped: on
// full clearance the record is nulled and proceeds credited; on partial the
// remainder shrinks and the record stays; on total failure the record is left
// untouched for the next cycle.
func (t *Trader) CleanupOrphanedShares(ctx context.Context) error {
	if err := t.joinPending(ctx); err != nil {
		return err
	}
	st := t.store.State()
	orphan := st.Orphaned
	if orphan == nil || orphan.Shares == 0 {
		return nil
	}

	t.logger.Info().
		Str("symbol", orphan.Symbol).
		Int64("shares", orphan.Shares).
		Time("created_at", orphan.CreatedAt).
		Msg("sweeping orphaned shares")

	quote, err := t.client.GetLatestPrice(ctx, orphan.Symbol)
	if err != nil {
		return fmt.Errorf("orphan sweep %s: quote: %w", orphan.Symbol, err)
	}

	// Widened allowances: clearing strays is worth paying further through
	// the book than a normal liquidation would.
	limit := quote.Sub(t.cfg.IOCOffsetCents.Div(oneHundred))
	res, err := t.ioc.Execute(ctx, orphan.Symbol, orphan.Shares, broker.SideSell, limit,
		t.cfg.IOCRetryStepCents.Div(oneHundred),
		t.cfg.IOCMaxRetries*2, t.cfg.IOCMaxDeviationPercent*2)
	if err != nil {
		return fmt.Errorf("orphan sweep %s: ioc: %w", orphan.Symbol, err)
	}

	if res.FilledQty == 0 {
		// IOC cleared nothing; fall back to a polled market order.
		return t.orphanMarketFallback(ctx, orphan.Symbol, orphan.Shares)
	}
	return t.settleOrphan(ctx, res.FilledQty, res.TotalProceeds)
}

// orphanMarketFallback force-sells the orphan with a market order polled to a
// bounded timeout.
func (t *Trader) orphanMarketFallback(ctx context.Context, symbol string, shares int64) error {
	order, err := t.client.SubmitOrder(ctx, broker.OrderRequest{
		ClientID:    uuid.NewString(),
		Symbol:      symbol,
		Side:        broker.SideSell,
		Type:        broker.TypeMarket,
		TimeInForce: broker.TIFDay,
		Quantity:    shares,
	})
	if err != nil {
		return fmt.Errorf("orphan sweep %s: market fallback submit: %w", symbol, err)
	}

	sold, proceeds, _, err := t.awaitSellFill(ctx, order, symbol, shares, nil)
	if err != nil {
		return err
	}
	if sold == 0 {
		t.logger.Warn().Str("symbol", symbol).Msg("orphan market fallback filled nothing, deferring to next cycle")
		return fmt.Errorf("%w: %s shares=%d", ErrOrphanOutstanding, symbol, shares)
	}
	return t.settleOrphan(ctx, sold, proceeds)
}

// settleOrphan credits proceeds and shrinks or clears the orphan record.
func (t *Trader) settleOrphan(ctx context.Context, sold int64, proceeds decimal.Decimal) error {
	t.store.Lock()
	st := t.store.State()
	orphan := st.Orphaned
	symbol := orphan.Symbol
	remaining := orphan.Shares - sold

	st.AvailableCash = st.AvailableCash.Add(proceeds)
	if remaining <= 0 {
		st.Orphaned = nil
	} else {
		orphan.Shares = remaining
	}
	t.saveState()
	t.store.Unlock()

	avg := proceeds.Div(decimal.NewFromInt(sold))
	t.logger.Info().
		Str("symbol", symbol).
		Int64("sold", sold).
		Int64("remaining", max64(remaining, 0)).
		Str("proceeds", proceeds.String()).
		Msg("orphan sweep settled")

	t.recordFill(ctx, FillRecord{
		Symbol:   symbol,
		Side:     broker.SideSell,
		Quantity: sold,
		AvgPrice: avg,
		Proceeds: proceeds,
		Reason:   "orphan_sweep",
		FilledAt: time.Now(),
	})

	if remaining > 0 {
		return fmt.Errorf("%w: %s shares=%d", ErrOrphanOutstanding, symbol, remaining)
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
