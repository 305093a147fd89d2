package paper

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

type staticPrices map[string]float64

func (p staticPrices) CurrentPrice(_ context.Context, instrument string) (float64, error) {
	return p[instrument], nil
}

func TestBrokerMarketableLimitFillsInstantly(t *testing.T) {
	a := NewAccount(10000)
	b := NewBroker(a, staticPrices{"BTCUSDT": 50000}, 0, zerolog.Nop())

	// Buy limit above market crosses and fills at the limit price.
	id, err := b.PlaceLimit(context.Background(), "BTCUSDT", market.Buy, 0.1, 50001)
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}
	st, err := b.OrderState(context.Background(), "BTCUSDT", id)
	if err != nil {
		t.Fatalf("OrderState: %v", err)
	}
	if st.Status != market.OrderFilled || st.FilledQty != 0.1 || st.AvgPrice != 50001 {
		t.Fatalf("unexpected state %+v", st)
	}
	if a.Position("BTCUSDT") == nil {
		t.Fatal("expected long position")
	}
}

func TestBrokerRestingLimitStaysOpen(t *testing.T) {
	a := NewAccount(10000)
	b := NewBroker(a, staticPrices{"BTCUSDT": 50000}, 0, zerolog.Nop())

	id, err := b.PlaceLimit(context.Background(), "BTCUSDT", market.Buy, 0.1, 49000)
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}
	st, _ := b.OrderState(context.Background(), "BTCUSDT", id)
	if st.Status != market.OrderOpen {
		t.Fatalf("expected open order, got %+v", st)
	}

	if err := b.Cancel(context.Background(), "BTCUSDT", id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	st, _ = b.OrderState(context.Background(), "BTCUSDT", id)
	if st.Status != market.OrderCanceled {
		t.Fatalf("expected canceled order, got %+v", st)
	}
	if a.Position("BTCUSDT") != nil {
		t.Fatal("resting order must not move the account")
	}
}

func TestBrokerMarketAppliesSlippage(t *testing.T) {
	a := NewAccount(100000)
	b := NewBroker(a, staticPrices{"BTCUSDT": 50000}, 0.001, zerolog.Nop())

	id, err := b.PlaceMarket(context.Background(), "BTCUSDT", market.Buy, 0.1)
	if err != nil {
		t.Fatalf("PlaceMarket: %v", err)
	}
	st, _ := b.OrderState(context.Background(), "BTCUSDT", id)
	if math.Abs(st.AvgPrice-50050) > 1e-6 {
		t.Fatalf("expected slipped fill at 50050, got %.2f", st.AvgPrice)
	}
}

func TestBrokerCancelAll(t *testing.T) {
	a := NewAccount(10000)
	b := NewBroker(a, staticPrices{"BTCUSDT": 50000, "ETHUSDT": 3000}, 0, zerolog.Nop())

	id1, _ := b.PlaceLimit(context.Background(), "BTCUSDT", market.Buy, 0.1, 49000)
	id2, _ := b.PlaceLimit(context.Background(), "BTCUSDT", market.Buy, 0.1, 48000)
	other, _ := b.PlaceLimit(context.Background(), "ETHUSDT", market.Buy, 1, 2900)

	if err := b.CancelAll(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	for _, id := range []string{id1, id2} {
		st, _ := b.OrderState(context.Background(), "BTCUSDT", id)
		if st.Status != market.OrderCanceled {
			t.Fatalf("order %s not canceled: %+v", id, st)
		}
	}
	st, _ := b.OrderState(context.Background(), "ETHUSDT", other)
	if st.Status != market.OrderOpen {
		t.Fatalf("other instrument's order should stay open: %+v", st)
	}
}

func TestBrokerBalancesMarkToMarket(t *testing.T) {
	a := NewAccount(10000)
	prices := staticPrices{"BTCUSDT": 50000}
	b := NewBroker(a, prices, 0, zerolog.Nop())

	if _, err := b.PlaceMarket(context.Background(), "BTCUSDT", market.Buy, 0.1); err != nil {
		t.Fatalf("PlaceMarket: %v", err)
	}
	prices["BTCUSDT"] = 52000

	bal, err := b.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if math.Abs(bal.Available-5000) > epsilon {
		t.Fatalf("available = %.2f", bal.Available)
	}
	if math.Abs(bal.TotalEquity-10200) > epsilon {
		t.Fatalf("equity = %.2f, want 10200", bal.TotalEquity)
	}
}
