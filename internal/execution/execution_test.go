package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

// scriptedBroker plays back a per-order fill script: order N gets fills[N]
// (missing entries never fill). It also acts as the price source.
type scriptedBroker struct {
	mu sync.Mutex

	price    float64
	priceErr error

	fills map[int]market.OrderState // keyed by placement sequence, 0-based

	limits    []placed
	markets   []placed
	cancels   int
	cancelAll int

	position *market.Position
	posErr   error
}

type placed struct {
	side  market.Side
	qty   float64
	price float64
}

func (b *scriptedBroker) PlaceLimit(_ context.Context, _ string, side market.Side, qty, price float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := len(b.limits) + len(b.markets)
	b.limits = append(b.limits, placed{side: side, qty: qty, price: price})
	return fmt.Sprintf("o%d", id), nil
}

func (b *scriptedBroker) PlaceMarket(_ context.Context, _ string, side market.Side, qty float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := len(b.limits) + len(b.markets)
	b.markets = append(b.markets, placed{side: side, qty: qty})
	return fmt.Sprintf("o%d", id), nil
}

func (b *scriptedBroker) Cancel(_ context.Context, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

func (b *scriptedBroker) CancelAll(_ context.Context, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelAll++
	return nil
}

func (b *scriptedBroker) OrderState(_ context.Context, _, orderID string) (market.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var seq int
	fmt.Sscanf(orderID, "o%d", &seq)
	if st, ok := b.fills[seq]; ok {
		return st, nil
	}
	return market.OrderState{Status: market.OrderOpen}, nil
}

func (b *scriptedBroker) CurrentPrice(_ context.Context, _ string) (float64, error) {
	return b.price, b.priceErr
}

func (b *scriptedBroker) CurrentPosition(_ context.Context, _ string) (*market.Position, error) {
	return b.position, b.posErr
}

func fastConfig() Config {
	return Config{
		LimitOffsetTicks: 1,
		MaxRetries:       5,
		FillWait:         5 * time.Millisecond,
		PollInterval:     time.Millisecond,
		RetryDelay:       0,
	}
}

func newTestController(b *scriptedBroker, cfg Config) *Controller {
	return NewController(b, b, b, market.RealClock{}, cfg, zerolog.Nop())
}

func TestExecuteFillsOnFirstLimit(t *testing.T) {
	b := &scriptedBroker{
		price: 100,
		fills: map[int]market.OrderState{
			0: {Status: market.OrderFilled, FilledQty: 2, AvgPrice: 100.5},
		},
	}
	c := newTestController(b, fastConfig())

	rep, err := c.Execute(context.Background(), Intent{
		Instrument: "BTCUSDT", Side: market.Buy, Quantity: 2, TickSize: 0.5, MinQty: 0.001,
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if rep.Status != StatusFilled || rep.MarketFallback {
		t.Fatalf("expected clean limit fill, got %+v", rep)
	}
	if rep.LimitAttempts != 1 || len(b.limits) != 1 || len(b.markets) != 0 {
		t.Fatalf("expected exactly one limit order, got %d limits %d markets", len(b.limits), len(b.markets))
	}
	// Buy limit is priced one tick above the reference price.
	if math.Abs(b.limits[0].price-100.5) > 1e-9 {
		t.Fatalf("expected limit at 100.5, got %.4f", b.limits[0].price)
	}
	if math.Abs(rep.AvgPrice-100.5) > 1e-9 || math.Abs(rep.FilledQty-2) > 1e-9 {
		t.Fatalf("unexpected fill report %+v", rep)
	}
}

func TestExecuteSellLimitPricedBelowMarket(t *testing.T) {
	b := &scriptedBroker{
		price: 100,
		fills: map[int]market.OrderState{
			0: {Status: market.OrderFilled, FilledQty: 1, AvgPrice: 99.5},
		},
	}
	c := newTestController(b, fastConfig())

	if _, err := c.Execute(context.Background(), Intent{
		Instrument: "BTCUSDT", Side: market.Sell, Quantity: 1, TickSize: 0.5, MinQty: 0.001,
	}); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if math.Abs(b.limits[0].price-99.5) > 1e-9 {
		t.Fatalf("expected sell limit at 99.5, got %.4f", b.limits[0].price)
	}
}

func TestExecuteFallsBackToMarketAfterRetries(t *testing.T) {
	// No fill script at all: every limit sits open, the fallback market
	// order also never reports a fill but its placement still happens.
	b := &scriptedBroker{price: 100}
	cfg := fastConfig()
	c := newTestController(b, cfg)

	rep, err := c.Execute(context.Background(), Intent{
		Instrument: "ETHUSDT", Side: market.Buy, Quantity: 3, TickSize: 0.01, MinQty: 0.01,
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(b.limits) != cfg.MaxRetries {
		t.Fatalf("expected %d limit attempts, got %d", cfg.MaxRetries, len(b.limits))
	}
	if len(b.markets) != 1 {
		t.Fatalf("expected exactly one market fallback, got %d", len(b.markets))
	}
	if !rep.MarketFallback || rep.LimitAttempts != cfg.MaxRetries {
		t.Fatalf("report does not reflect fallback: %+v", rep)
	}
	if math.Abs(b.markets[0].qty-3) > 1e-9 {
		t.Fatalf("expected full remainder sent to market, got %.4f", b.markets[0].qty)
	}
}

func TestExecutePartialFillsAccumulateAcrossRetries(t *testing.T) {
	// First limit fills 1 of 3 then gets canceled; second fills the rest.
	b := &scriptedBroker{
		price: 100,
		fills: map[int]market.OrderState{
			0: {Status: market.OrderCanceled, FilledQty: 1, AvgPrice: 100},
			1: {Status: market.OrderFilled, FilledQty: 2, AvgPrice: 103},
		},
	}
	c := newTestController(b, fastConfig())

	rep, err := c.Execute(context.Background(), Intent{
		Instrument: "BTCUSDT", Side: market.Buy, Quantity: 3, TickSize: 0.5, MinQty: 0.001,
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if rep.Status != StatusFilled || rep.MarketFallback {
		t.Fatalf("expected full fill across two limits, got %+v", rep)
	}
	if len(b.limits) != 2 {
		t.Fatalf("expected 2 limit orders, got %d", len(b.limits))
	}
	// Second order only asks for the remainder.
	if math.Abs(b.limits[1].qty-2) > 1e-9 {
		t.Fatalf("expected remainder 2 on retry, got %.4f", b.limits[1].qty)
	}
	// Weighted average: (1*100 + 2*103) / 3.
	want := (1*100.0 + 2*103.0) / 3.0
	if math.Abs(rep.AvgPrice-want) > 1e-9 {
		t.Fatalf("expected avg price %.4f, got %.4f", want, rep.AvgPrice)
	}
}

func TestExecuteSkipsMarketBelowMinQty(t *testing.T) {
	// Fills all but a dust remainder smaller than MinQty: no market order.
	b := &scriptedBroker{
		price: 100,
		fills: map[int]market.OrderState{
			0: {Status: market.OrderFilled, FilledQty: 2.9995, AvgPrice: 100},
		},
	}
	cfg := fastConfig()
	cfg.MaxRetries = 1
	c := newTestController(b, cfg)

	rep, err := c.Execute(context.Background(), Intent{
		Instrument: "BTCUSDT", Side: market.Buy, Quantity: 3, TickSize: 0.5, MinQty: 0.001,
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(b.markets) != 0 {
		t.Fatalf("expected no market order for dust remainder, got %d", len(b.markets))
	}
	if rep.Status != StatusPartiallyFilled || rep.MarketFallback {
		t.Fatalf("expected partial without fallback, got %+v", rep)
	}
}

func TestExecuteMarketFillWithoutVenuePriceUsesReference(t *testing.T) {
	// The limit never fills; the market fallback fills but the venue reports
	// a zero average. The reference price stands in, never zero.
	b := &scriptedBroker{
		price: 100,
		fills: map[int]market.OrderState{
			1: {Status: market.OrderFilled, FilledQty: 2, AvgPrice: 0},
		},
	}
	cfg := fastConfig()
	cfg.MaxRetries = 1
	c := newTestController(b, cfg)

	rep, err := c.Execute(context.Background(), Intent{
		Instrument: "BTCUSDT", Side: market.Buy, Quantity: 2, TickSize: 0.5, MinQty: 0.001,
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if rep.Status != StatusFilled || !rep.MarketFallback {
		t.Fatalf("expected market-fallback fill, got %+v", rep)
	}
	if math.Abs(rep.AvgPrice-100) > 1e-9 {
		t.Fatalf("expected reference price 100 as avg, got %.4f", rep.AvgPrice)
	}
}

func TestExecuteMarketFallbackFailure(t *testing.T) {
	b := &scriptedBroker{price: 100}
	cfg := fastConfig()
	cfg.MaxRetries = 1
	// Wrap the broker so market placement is rejected.
	fb := &failingMarketBroker{scriptedBroker: b}
	c := NewController(fb, b, b, market.RealClock{}, cfg, zerolog.Nop())

	rep, err := c.Execute(context.Background(), Intent{
		Instrument: "BTCUSDT", Side: market.Buy, Quantity: 1, TickSize: 0.5, MinQty: 0.001,
	})
	if err == nil {
		t.Fatalf("expected error when nothing fills, got %+v", rep)
	}
	if rep.Status != StatusFailed || rep.FilledQty != 0 {
		t.Fatalf("expected failed zero-fill report, got %+v", rep)
	}
}

type failingMarketBroker struct {
	*scriptedBroker
}

func (b *failingMarketBroker) PlaceMarket(context.Context, string, market.Side, float64) (string, error) {
	return "", errors.New("venue rejected market order")
}

func TestCloseReversesPositionSide(t *testing.T) {
	b := &scriptedBroker{
		price:    100,
		position: &market.Position{Side: market.PositionLong, Quantity: 1.5, AvgPrice: 90},
		fills: map[int]market.OrderState{
			0: {Status: market.OrderFilled, FilledQty: 1.5, AvgPrice: 99.5},
		},
	}
	c := newTestController(b, fastConfig())

	rep, err := c.Close(context.Background(), "BTCUSDT", 0.5, 0.001)
	if err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if rep.Status != StatusFilled || rep.Side != market.Sell {
		t.Fatalf("expected sell close, got %+v", rep)
	}
	if math.Abs(b.limits[0].qty-1.5) > 1e-9 {
		t.Fatalf("expected close qty 1.5, got %.4f", b.limits[0].qty)
	}
}

func TestCloseNoPositionIsNoop(t *testing.T) {
	b := &scriptedBroker{price: 100}
	c := newTestController(b, fastConfig())

	rep, err := c.Close(context.Background(), "BTCUSDT", 0.5, 0.001)
	if err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if rep.Status != StatusFilled || len(b.limits) != 0 || len(b.markets) != 0 {
		t.Fatalf("expected no-op close, got %+v with %d/%d orders", rep, len(b.limits), len(b.markets))
	}
}
