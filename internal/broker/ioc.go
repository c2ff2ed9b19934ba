package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

// SteppedIOCExecutor implements RetryingOrderExecutor on top of an
// ExecutionClient. Each attempt submits an IOC limit order one price step more
// aggressive than the last, so a fast-moving book is chased in bounded,
// known-price increments instead of with a blind market order.
type SteppedIOCExecutor struct {
	client       ExecutionClient
	pollInterval time.Duration
	pollLimit    int
	logger       zerolog.Logger
}

// NewSteppedIOCExecutor creates an executor with the default poll cadence.
func NewSteppedIOCExecutor(client ExecutionClient, logger zerolog.Logger) *SteppedIOCExecutor {
	return &SteppedIOCExecutor{
		client:       client,
		pollInterval: 250 * time.Millisecond,
		pollLimit:    20,
		logger:       logger.With().Str("component", "IOCExecutor").Logger(),
	}
}

// Execute runs the stepped IOC loop. The returned result is never nil on a nil
// error; a zero FilledQty with a nil error means every attempt came back
// unfilled (the caller decides whether that is a failure).
func (e *SteppedIOCExecutor) Execute(ctx context.Context, symbol string, qty int64, side string,
	limitPrice decimal.Decimal, retryStepCents decimal.Decimal,
	maxRetries int, maxDeviationPercent float64) (*IOCResult, error) {

	if qty <= 0 {
		return nil, fmt.Errorf("ioc execute: quantity must be positive, got %d", qty)
	}

	result := &IOCResult{AvgPrice: decimal.Zero, TotalProceeds: decimal.Zero}
	remaining := qty
	maxDeviation := limitPrice.Mul(decimal.NewFromFloat(maxDeviationPercent)).Div(oneHundred)

	for attempt := 0; attempt <= maxRetries && remaining > 0; attempt++ {
		price := e.attemptPrice(limitPrice, retryStepCents, side, attempt)
		if price.Sub(limitPrice).Abs().GreaterThan(maxDeviation) {
			e.logger.Warn().
				Str("symbol", symbol).
				Str("price", price.String()).
				Str("base", limitPrice.String()).
				Float64("max_deviation_pct", maxDeviationPercent).
				Msg("IOC price step exceeds deviation bound, stopping retries")
			break
		}

		order, err := e.client.SubmitOrder(ctx, OrderRequest{
			ClientID:    uuid.NewString(),
			Symbol:      symbol,
			Side:        side,
			Type:        TypeLimit,
			TimeInForce: TIFIOC,
			Quantity:    remaining,
			LimitPrice:  price,
		})
		if err != nil {
			return nil, fmt.Errorf("ioc submit attempt %d: %w", attempt, err)
		}

		final, err := e.awaitTerminal(ctx, order)
		if err != nil {
			return nil, err
		}

		if final.FilledQty > 0 {
			result.TotalProceeds = result.TotalProceeds.Add(final.FilledValue())
			result.FilledQty += final.FilledQty
			remaining -= final.FilledQty
			e.logger.Info().
				Str("symbol", symbol).
				Str("side", side).
				Int64("filled", final.FilledQty).
				Int64("remaining", remaining).
				Str("price", final.AvgFillPrice.String()).
				Int("attempt", attempt).
				Msg("IOC attempt filled")
		}
	}

	if result.FilledQty > 0 {
		result.AvgPrice = result.TotalProceeds.Div(decimal.NewFromInt(result.FilledQty))
	}
	return result, nil
}

// attemptPrice walks the limit one step per attempt in the aggressive
// direction: down for sells, up for buys.
func (e *SteppedIOCExecutor) attemptPrice(base, stepCents decimal.Decimal, side string, attempt int) decimal.Decimal {
	offset := stepCents.Mul(decimal.NewFromInt(int64(attempt)))
	if side == SideSell {
		return base.Sub(offset)
	}
	return base.Add(offset)
}

// awaitTerminal polls an IOC order until the broker marks it terminal. IOC
// orders settle within one matching cycle, so the poll budget is short; an
// order still open after the budget is treated as expired with whatever
// filled so far.
func (e *SteppedIOCExecutor) awaitTerminal(ctx context.Context, order *Order) (*Order, error) {
	current := order
	for i := 0; i < e.pollLimit; i++ {
		if current.Terminal() {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.pollInterval):
		}
		refreshed, err := e.client.GetOrder(ctx, current.ID)
		if err != nil {
			return nil, fmt.Errorf("ioc poll order %s: %w", current.ID, err)
		}
		current = refreshed
	}
	e.logger.Warn().Str("order_id", current.ID).Msg("IOC order not terminal after poll budget, treating as expired")
	return current, nil
}
