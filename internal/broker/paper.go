package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PaperClient simulates an execution venue in-process. Orders fill against a
// drifting quote map: market orders fill immediately with configurable
// slippage, marketable limits fill at the limit, non-marketable IOC limits
// cancel, and non-marketable DAY limits rest until the quote crosses them or
// they are cancelled.
type PaperClient struct {
	mu         sync.Mutex
	prices     map[string]decimal.Decimal
	positions  map[string]*Position
	orders     map[string]*Order
	lastDrift  time.Time
	marketOpen bool
	rng        *rand.Rand
	logger     zerolog.Logger

	// SlippageBps widens market-order fills against the taker, in basis points.
	SlippageBps int64
	// PartialFillRatio, when in (0,1), fills only that fraction of each IOC
	// order (floored, minimum one share). Used to exercise partial-fill paths.
	PartialFillRatio float64
	// DriftBps bounds the per-second random walk applied to quotes.
	DriftBps int64
}

// NewPaperClient seeds the simulator with starting quotes.
func NewPaperClient(quotes map[string]decimal.Decimal, logger zerolog.Logger) *PaperClient {
	prices := make(map[string]decimal.Decimal, len(quotes))
	for sym, px := range quotes {
		prices[sym] = px
	}
	return &PaperClient{
		prices:     prices,
		positions:  make(map[string]*Position),
		orders:     make(map[string]*Order),
		lastDrift:  time.Now(),
		marketOpen: true,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger.With().Str("component", "PaperBroker").Logger(),
		DriftBps:   10,
	}
}

// SetMarketOpen toggles the simulated session.
func (p *PaperClient) SetMarketOpen(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketOpen = open
}

// SetPrice pins a quote, bypassing the random walk. Primarily for tests and
// replay runs where price paths must be exact.
func (p *PaperClient) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.fillRestingLocked(symbol)
}

// SetPosition seeds a holding, e.g. to simulate state left behind by a
// previous run.
func (p *PaperClient) SetPosition(symbol string, qty int64, avgEntry decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = &Position{Symbol: symbol, Qty: qty, AvgEntry: avgEntry}
}

func (p *PaperClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.marketOpen {
		return nil, ErrMarketClosed
	}
	price, ok := p.prices[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, req.Symbol)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: non-positive quantity", ErrRejected)
	}

	order := &Order{
		ID:          uuid.NewString(),
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Status:      StatusNew,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		SubmittedAt: time.Now(),
	}
	p.orders[order.ID] = order

	switch {
	case req.Type == TypeMarket:
		p.fillLocked(order, p.slipped(price, req.Side), req.Quantity)
	case p.marketable(req, price):
		qty := req.Quantity
		if req.TimeInForce == TIFIOC && p.PartialFillRatio > 0 && p.PartialFillRatio < 1 {
			qty = int64(float64(req.Quantity) * p.PartialFillRatio)
			if qty < 1 {
				qty = 1
			}
		}
		p.fillLocked(order, req.LimitPrice, qty)
		if order.FilledQty < order.Quantity && req.TimeInForce == TIFIOC {
			order.Status = StatusCanceled
		}
	case req.TimeInForce == TIFIOC:
		order.Status = StatusCanceled
	default:
		// DAY limit rests; fillRestingLocked revisits it on quote moves.
	}

	cp := *order
	return &cp, nil
}

func (p *PaperClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.driftLocked()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	cp := *order
	return &cp, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Terminal() {
		return false, nil
	}
	// Any partial fill stands; only the open remainder is cancelled.
	order.Status = StatusCanceled
	order.LastUpdatedAt = time.Now()
	return true, nil
}

func (p *PaperClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	cp.CurrentPrice = p.prices[symbol]
	return &cp, nil
}

func (p *PaperClient) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.driftLocked()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	return price, nil
}

func (p *PaperClient) ValidateSymbol(ctx context.Context, symbol string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.prices[symbol]
	return ok, nil
}

// marketable reports whether a limit order crosses the current quote.
func (p *PaperClient) marketable(req OrderRequest, price decimal.Decimal) bool {
	if req.Type != TypeLimit {
		return false
	}
	if req.Side == SideBuy {
		return req.LimitPrice.GreaterThanOrEqual(price)
	}
	return req.LimitPrice.LessThanOrEqual(price)
}

// slipped moves a market fill against the taker by SlippageBps.
func (p *PaperClient) slipped(price decimal.Decimal, side string) decimal.Decimal {
	if p.SlippageBps == 0 {
		return price
	}
	slip := price.Mul(decimal.NewFromInt(p.SlippageBps)).Div(decimal.NewFromInt(10000))
	if side == SideBuy {
		return price.Add(slip)
	}
	return price.Sub(slip)
}

// fillLocked applies a fill to the order book and the position map.
func (p *PaperClient) fillLocked(order *Order, price decimal.Decimal, qty int64) {
	prevValue := order.AvgFillPrice.Mul(decimal.NewFromInt(order.FilledQty))
	order.FilledQty += qty
	order.AvgFillPrice = prevValue.Add(price.Mul(decimal.NewFromInt(qty))).Div(decimal.NewFromInt(order.FilledQty))
	if order.FilledQty >= order.Quantity {
		order.Status = StatusFilled
	} else {
		order.Status = StatusPartiallyFilled
	}
	order.LastUpdatedAt = time.Now()

	signed := qty
	if order.Side == SideSell {
		signed = -qty
	}
	pos := p.positions[order.Symbol]
	if pos == nil {
		pos = &Position{Symbol: order.Symbol, AvgEntry: price}
		p.positions[order.Symbol] = pos
	}
	if signed > 0 {
		total := pos.AvgEntry.Mul(decimal.NewFromInt(pos.Qty)).Add(price.Mul(decimal.NewFromInt(qty)))
		pos.Qty += qty
		pos.AvgEntry = total.Div(decimal.NewFromInt(pos.Qty))
	} else {
		pos.Qty += signed
	}
	if pos.Qty == 0 {
		delete(p.positions, order.Symbol)
	}
}

// fillRestingLocked fills DAY limits the latest quote has crossed.
func (p *PaperClient) fillRestingLocked(symbol string) {
	price := p.prices[symbol]
	for _, order := range p.orders {
		if order.Symbol != symbol || order.Terminal() || order.Type != TypeLimit {
			continue
		}
		req := OrderRequest{Type: order.Type, Side: order.Side, LimitPrice: order.LimitPrice}
		if p.marketable(req, price) {
			p.fillLocked(order, order.LimitPrice, order.Quantity-order.FilledQty)
		}
	}
}

// driftLocked applies the random walk, at most once per second.
func (p *PaperClient) driftLocked() {
	if p.DriftBps == 0 || time.Since(p.lastDrift) < time.Second {
		return
	}
	p.lastDrift = time.Now()
	for sym, px := range p.prices {
		bps := (p.rng.Float64()*2 - 1) * float64(p.DriftBps)
		p.prices[sym] = px.Mul(decimal.NewFromFloat(1 + bps/10000))
		p.fillRestingLocked(sym)
	}
}
