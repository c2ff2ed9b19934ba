package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestPaper() *PaperClient {
	p := NewPaperClient(map[string]decimal.Decimal{
		"TQQQ": dec("95"),
		"SQQQ": dec("7.5"),
	}, zerolog.Nop())
	p.DriftBps = 0
	return p
}

func TestMarketOrderFillsWithSlippage(t *testing.T) {
	p := newTestPaper()
	p.SlippageBps = 10
	ctx := context.Background()

	order, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "c1", Symbol: "TQQQ", Side: SideBuy,
		Type: TypeMarket, TimeInForce: TIFDay, Quantity: 10,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if order.Status != StatusFilled || order.FilledQty != 10 {
		t.Errorf("market order must fill immediately, got %s/%d", order.Status, order.FilledQty)
	}
	// 10 bps against the buyer: 95 * 1.001.
	if !order.AvgFillPrice.Equal(dec("95.095")) {
		t.Errorf("fill price = %s, want 95.095", order.AvgFillPrice)
	}

	pos, err := p.GetPosition(ctx, "TQQQ")
	if err != nil || pos == nil || pos.Qty != 10 {
		t.Errorf("expected position of 10 shares, got %+v (err=%v)", pos, err)
	}
}

func TestMarketClosedRejectsOrders(t *testing.T) {
	p := newTestPaper()
	p.SetMarketOpen(false)

	_, err := p.SubmitOrder(context.Background(), OrderRequest{
		ClientID: "c1", Symbol: "TQQQ", Side: SideBuy,
		Type: TypeMarket, TimeInForce: TIFDay, Quantity: 1,
	})
	if !errors.Is(err, ErrMarketClosed) {
		t.Errorf("expected ErrMarketClosed, got %v", err)
	}
}

func TestMarketableLimitFillsAtLimit(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	tests := []struct {
		name  string
		side  string
		limit decimal.Decimal
	}{
		{"sell below quote", SideSell, dec("94")},
		{"buy above quote", SideBuy, dec("96")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := p.SubmitOrder(ctx, OrderRequest{
				ClientID: "c", Symbol: "TQQQ", Side: tt.side,
				Type: TypeLimit, TimeInForce: TIFDay,
				Quantity: 5, LimitPrice: tt.limit,
			})
			if err != nil {
				t.Fatalf("SubmitOrder: %v", err)
			}
			if order.Status != StatusFilled {
				t.Errorf("crossing limit must fill, got %s", order.Status)
			}
			if !order.AvgFillPrice.Equal(tt.limit) {
				t.Errorf("fill price = %s, want the limit %s", order.AvgFillPrice, tt.limit)
			}
		})
	}
}

func TestNonMarketableIOCCancels(t *testing.T) {
	p := newTestPaper()

	order, err := p.SubmitOrder(context.Background(), OrderRequest{
		ClientID: "c1", Symbol: "TQQQ", Side: SideBuy,
		Type: TypeLimit, TimeInForce: TIFIOC,
		Quantity: 10, LimitPrice: dec("94"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if order.Status != StatusCanceled || order.FilledQty != 0 {
		t.Errorf("non-marketable IOC must cancel unfilled, got %s/%d", order.Status, order.FilledQty)
	}
}

func TestIOCPartialFillCancelsRemainder(t *testing.T) {
	p := newTestPaper()
	p.PartialFillRatio = 0.5
	p.SetPosition("TQQQ", 100, dec("90"))

	order, err := p.SubmitOrder(context.Background(), OrderRequest{
		ClientID: "c1", Symbol: "TQQQ", Side: SideSell,
		Type: TypeLimit, TimeInForce: TIFIOC,
		Quantity: 100, LimitPrice: dec("95"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if order.FilledQty != 50 {
		t.Errorf("expected half fill of 50, got %d", order.FilledQty)
	}
	if order.Status != StatusCanceled {
		t.Errorf("IOC remainder must cancel, got %s", order.Status)
	}
}

func TestDayLimitRestsUntilCrossed(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	order, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "c1", Symbol: "TQQQ", Side: SideBuy,
		Type: TypeLimit, TimeInForce: TIFDay,
		Quantity: 10, LimitPrice: dec("94"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if order.Status != StatusNew {
		t.Fatalf("non-marketable DAY limit must rest, got %s", order.Status)
	}

	p.SetPrice("TQQQ", dec("93.5"))
	refreshed, err := p.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if refreshed.Status != StatusFilled || !refreshed.AvgFillPrice.Equal(dec("94")) {
		t.Errorf("resting limit must fill at the limit when crossed, got %s @ %s",
			refreshed.Status, refreshed.AvgFillPrice)
	}
}

func TestCancelOpenOrder(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	order, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "c1", Symbol: "TQQQ", Side: SideSell,
		Type: TypeLimit, TimeInForce: TIFDay,
		Quantity: 10, LimitPrice: dec("96"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	ok, err := p.CancelOrder(ctx, order.ID)
	if err != nil || !ok {
		t.Fatalf("CancelOrder: ok=%v err=%v", ok, err)
	}
	// Cancelling a terminal order reports false without error.
	ok, err = p.CancelOrder(ctx, order.ID)
	if err != nil || ok {
		t.Errorf("second cancel must be a no-op, got ok=%v err=%v", ok, err)
	}

	if _, err := p.CancelOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestSellFlattensPosition(t *testing.T) {
	p := newTestPaper()
	p.SetPosition("TQQQ", 10, dec("90"))
	ctx := context.Background()

	if _, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "c1", Symbol: "TQQQ", Side: SideSell,
		Type: TypeMarket, TimeInForce: TIFDay, Quantity: 10,
	}); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	pos, err := p.GetPosition(ctx, "TQQQ")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos != nil {
		t.Errorf("flat position must report nil, got %+v", pos)
	}
}

func TestUnknownSymbol(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	if _, err := p.SubmitOrder(ctx, OrderRequest{
		ClientID: "c1", Symbol: "ABCD", Side: SideBuy,
		Type: TypeMarket, TimeInForce: TIFDay, Quantity: 1,
	}); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol on submit, got %v", err)
	}
	if _, err := p.GetLatestPrice(ctx, "ABCD"); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol on quote, got %v", err)
	}
	if ok, _ := p.ValidateSymbol(ctx, "TQQQ"); !ok {
		t.Error("known symbol must validate")
	}
	if ok, _ := p.ValidateSymbol(ctx, "ABCD"); ok {
		t.Error("unknown symbol must not validate")
	}
}
