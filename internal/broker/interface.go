package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExecutionClient defines the broker operations the trading core depends on.
// Implemented by PaperClient; a live adapter plugs in behind the same contract.
type ExecutionClient interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	// GetPosition returns nil (no error) when the symbol is flat.
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	ValidateSymbol(ctx context.Context, symbol string) (bool, error)
}

// RetryingOrderExecutor places IOC limit orders at stepped price offsets until
// the requested quantity fills, retries are exhausted, or the price walks past
// the deviation bound.
type RetryingOrderExecutor interface {
	Execute(ctx context.Context, symbol string, qty int64, side string,
		limitPrice decimal.Decimal, retryStepCents decimal.Decimal,
		maxRetries int, maxDeviationPercent float64) (*IOCResult, error)
}

var _ ExecutionClient = (*PaperClient)(nil)
var _ RetryingOrderExecutor = (*SteppedIOCExecutor)(nil)
