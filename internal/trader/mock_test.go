package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/broker"
)

// mockClient is a scripted broker: market and marketable-limit orders fill
// instantly at the pinned quote unless a fail flag is set, and every call is
// recorded for assertions on call counts and ordering.
type mockClient struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	positions map[string]int64
	orders    map[string]*broker.Order
	calls     []string
	nextID    int

	// failBuys / failSells make submitted orders terminate cancelled with
	// zero fill. restBuys / restSells leave limit orders open so chase paths
	// engage; cancelFillQty credits that many shares at the limit price when
	// a resting order is cancelled, modelling a fill that landed just before
	// the cancel took effect.
	failBuys      bool
	failSells     bool
	restBuys      bool
	restSells     bool
	cancelFillQty int64
}

func newMockClient(prices map[string]decimal.Decimal) *mockClient {
	return &mockClient{
		prices:    prices,
		positions: make(map[string]int64),
		orders:    make(map[string]*broker.Order),
	}
}

func (m *mockClient) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockClient) SubmitOrder(_ context.Context, req broker.OrderRequest) (*broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("submit:%s:%s", req.Side, req.Symbol))

	m.nextID++
	order := &broker.Order{
		ID:          fmt.Sprintf("mock-%d", m.nextID),
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Status:      broker.StatusNew,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		SubmittedAt: time.Now(),
	}

	fail := (req.Side == broker.SideBuy && m.failBuys) ||
		(req.Side == broker.SideSell && m.failSells)
	rest := req.Type == broker.TypeLimit &&
		((req.Side == broker.SideSell && m.restSells) ||
			(req.Side == broker.SideBuy && m.restBuys))
	switch {
	case rest:
		// Stays open until cancelled.
	case fail:
		order.Status = broker.StatusCanceled
	default:
		px := m.prices[req.Symbol]
		if req.Type == broker.TypeLimit && !req.LimitPrice.IsZero() {
			px = req.LimitPrice
		}
		order.Status = broker.StatusFilled
		order.FilledQty = req.Quantity
		order.AvgFillPrice = px
		if req.Side == broker.SideBuy {
			m.positions[req.Symbol] += req.Quantity
		} else {
			m.positions[req.Symbol] -= req.Quantity
		}
		if m.positions[req.Symbol] == 0 {
			delete(m.positions, req.Symbol)
		}
	}

	m.orders[order.ID] = order
	cp := *order
	return &cp, nil
}

func (m *mockClient) GetOrder(_ context.Context, orderID string) (*broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get_order")
	order, ok := m.orders[orderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *mockClient) CancelOrder(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("cancel")
	order, ok := m.orders[orderID]
	if !ok {
		return false, broker.ErrOrderNotFound
	}
	if !order.Terminal() {
		order.Status = broker.StatusCanceled
		if m.cancelFillQty > 0 {
			qty := m.cancelFillQty
			if qty > order.Quantity {
				qty = order.Quantity
			}
			order.FilledQty = qty
			order.AvgFillPrice = order.LimitPrice
			if order.Side == broker.SideBuy {
				m.positions[order.Symbol] += qty
			} else {
				m.positions[order.Symbol] -= qty
			}
		}
	}
	return true, nil
}

func (m *mockClient) GetPosition(_ context.Context, symbol string) (*broker.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get_position:" + symbol)
	qty, ok := m.positions[symbol]
	if !ok || qty == 0 {
		return nil, nil
	}
	return &broker.Position{Symbol: symbol, Qty: qty, CurrentPrice: m.prices[symbol]}, nil
}

func (m *mockClient) GetLatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("quote:" + symbol)
	px, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, broker.ErrInvalidSymbol
	}
	return px, nil
}

func (m *mockClient) ValidateSymbol(_ context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.prices[symbol]
	return ok, nil
}

// setPrice moves a pinned quote mid-test.
func (m *mockClient) setPrice(symbol string, px decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = px
}

// setPosition pins a broker-side holding (negative for a short).
func (m *mockClient) setPosition(symbol string, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qty == 0 {
		delete(m.positions, symbol)
		return
	}
	m.positions[symbol] = qty
}

var _ broker.ExecutionClient = (*mockClient)(nil)

// iocFill scripts one Execute outcome.
type iocFill struct {
	qty   int64
	price decimal.Decimal
}

// mockIOC replays scripted fills; with no script it fills the full quantity at
// the requested limit.
type mockIOC struct {
	mu    sync.Mutex
	calls int
	fills []iocFill
}

func (m *mockIOC) Execute(_ context.Context, _ string, qty int64, _ string,
	limitPrice, _ decimal.Decimal, _ int, _ float64) (*broker.IOCResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	fill := iocFill{qty: qty, price: limitPrice}
	if len(m.fills) > 0 {
		fill = m.fills[0]
		m.fills = m.fills[1:]
	}
	res := &broker.IOCResult{
		FilledQty:     fill.qty,
		AvgPrice:      fill.price,
		TotalProceeds: fill.price.Mul(decimal.NewFromInt(fill.qty)),
	}
	if fill.qty == 0 {
		res.AvgPrice = decimal.Zero
		res.TotalProceeds = decimal.Zero
	}
	return res, nil
}

var _ broker.RetryingOrderExecutor = (*mockIOC)(nil)
