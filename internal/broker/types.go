package broker

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// Time-in-force values
const (
	TIFDay = "DAY"
	TIFIOC = "IOC"
)

// Order statuses
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// Typed errors returned at the execution-client boundary. Callers branch on
// these with errors.Is instead of matching message strings.
var (
	ErrRejected      = errors.New("order rejected")
	ErrMarketClosed  = errors.New("market closed")
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// OrderRequest describes an order to submit.
type OrderRequest struct {
	ClientID    string          `json:"client_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	TimeInForce string          `json:"time_in_force"`
	Quantity    int64           `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price"` // zero for market orders
}

// Order is the broker's view of a submitted order.
type Order struct {
	ID            string          `json:"id"`
	ClientID      string          `json:"client_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Quantity      int64           `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	FilledQty     int64           `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// FilledValue returns FilledQty * AvgFillPrice.
func (o *Order) FilledValue() decimal.Decimal {
	return o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
}

// Position is the broker's view of a holding. Qty is negative for shorts.
type Position struct {
	Symbol       string          `json:"symbol"`
	Qty          int64           `json:"qty"`
	AvgEntry     decimal.Decimal `json:"avg_entry"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// IOCResult is the aggregate outcome of a stepped IOC run.
type IOCResult struct {
	FilledQty     int64
	AvgPrice      decimal.Decimal
	TotalProceeds decimal.Decimal
}
