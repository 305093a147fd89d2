package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

// Broker implements the order, account, and position capabilities against a
// virtual Account. Marketable orders fill instantly at their limit price;
// market orders fill at the reference price adjusted by slippage. A limit
// resting away from the market stays open until canceled, which is exactly
// what drives the execution ladder's retry path in simulations.
type Broker struct {
	account  *Account
	prices   market.PriceSource
	slippage float64
	log      zerolog.Logger

	mu     sync.Mutex
	nextID int
	orders map[string]*simOrder
}

type simOrder struct {
	instrument string
	state      market.OrderState
}

func NewBroker(account *Account, prices market.PriceSource, slippage float64, log zerolog.Logger) *Broker {
	return &Broker{
		account:  account,
		prices:   prices,
		slippage: slippage,
		log:      log,
		orders:   make(map[string]*simOrder),
	}
}

func (b *Broker) newOrderID() string {
	b.nextID++
	return fmt.Sprintf("paper-%d", b.nextID)
}

// PlaceLimit fills immediately when the limit crosses the reference price,
// otherwise leaves the order resting open.
func (b *Broker) PlaceLimit(ctx context.Context, instrument string, side market.Side, qty, price float64) (string, error) {
	ref, err := b.prices.CurrentPrice(ctx, instrument)
	if err != nil {
		return "", fmt.Errorf("paper limit %s: %w", instrument, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.newOrderID()

	marketable := (side == market.Buy && price >= ref) || (side == market.Sell && price <= ref)
	if !marketable {
		b.orders[id] = &simOrder{instrument: instrument, state: market.OrderState{Status: market.OrderOpen}}
		return id, nil
	}

	if err := b.account.Fill(instrument, side, qty, price); err != nil {
		return "", fmt.Errorf("paper limit %s: %w", instrument, err)
	}
	b.orders[id] = &simOrder{
		instrument: instrument,
		state:      market.OrderState{Status: market.OrderFilled, FilledQty: qty, AvgPrice: price},
	}
	b.log.Debug().Str("sym", instrument).Str("side", string(side)).
		Float64("qty", qty).Float64("px", price).Msg("paper limit filled")
	return id, nil
}

// PlaceMarket fills at the reference price moved by slippage against the
// taker.
func (b *Broker) PlaceMarket(ctx context.Context, instrument string, side market.Side, qty float64) (string, error) {
	ref, err := b.prices.CurrentPrice(ctx, instrument)
	if err != nil {
		return "", fmt.Errorf("paper market %s: %w", instrument, err)
	}
	price := ref * (1 + b.slippage)
	if side == market.Sell {
		price = ref * (1 - b.slippage)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.account.Fill(instrument, side, qty, price); err != nil {
		return "", fmt.Errorf("paper market %s: %w", instrument, err)
	}
	id := b.newOrderID()
	b.orders[id] = &simOrder{
		instrument: instrument,
		state:      market.OrderState{Status: market.OrderFilled, FilledQty: qty, AvgPrice: price},
	}
	b.log.Debug().Str("sym", instrument).Str("side", string(side)).
		Float64("qty", qty).Float64("px", price).Msg("paper market filled")
	return id, nil
}

// Cancel marks a resting order canceled; filled orders are left untouched.
func (b *Broker) Cancel(_ context.Context, _, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if o.state.Status == market.OrderOpen {
		o.state.Status = market.OrderCanceled
	}
	return nil
}

// CancelAll cancels every resting order on the instrument.
func (b *Broker) CancelAll(_ context.Context, instrument string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.orders {
		if o.instrument == instrument && o.state.Status == market.OrderOpen {
			o.state.Status = market.OrderCanceled
		}
	}
	return nil
}

// OrderState reports the simulated order's fill state.
func (b *Broker) OrderState(_ context.Context, _, orderID string) (market.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return market.OrderState{}, fmt.Errorf("unknown order %s", orderID)
	}
	return o.state, nil
}

// Balances marks the account to current prices.
func (b *Broker) Balances(ctx context.Context) (market.Balance, error) {
	marks := make(map[string]float64)
	b.account.mu.Lock()
	held := make([]string, 0, len(b.account.positions))
	for sym := range b.account.positions {
		held = append(held, sym)
	}
	b.account.mu.Unlock()

	for _, sym := range held {
		px, err := b.prices.CurrentPrice(ctx, sym)
		if err != nil {
			b.log.Warn().Err(err).Str("sym", sym).Msg("mark price unavailable, using cost basis")
			continue
		}
		marks[sym] = px
	}
	snap := b.account.Snapshot(marks)
	return market.Balance{Available: snap.Cash, TotalEquity: snap.Equity}, nil
}

// CurrentPosition reads the simulated position, nil when flat.
func (b *Broker) CurrentPosition(_ context.Context, instrument string) (*market.Position, error) {
	return b.account.Position(instrument), nil
}
