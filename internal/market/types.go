// Package market holds the shared data types and capability interfaces the
// trading engine consumes. Broker connectors implement these; the core never
// talks to a venue directly.
package market

import (
	"context"
	"time"
)

// Timeframe identifies a candle interval.
type Timeframe string

const (
	Timeframe4H Timeframe = "4H"
	Timeframe1D Timeframe = "1D"
)

// Duration returns the wall-clock length of one candle of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1D:
		return 24 * time.Hour
	default:
		return 4 * time.Hour
	}
}

// Candle is one OHLCV bar. Series are ordered ascending by timestamp.
type Candle struct {
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Balance is an account-level snapshot used by the allocator.
type Balance struct {
	Available   float64
	TotalEquity float64
}

// PositionSide distinguishes long from short exposure.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position is a live broker position for one instrument.
type Position struct {
	Side     PositionSide
	Quantity float64
	AvgPrice float64
}

// Side enumerates order directions.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the reversing side, used when closing a position.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus is the broker-reported lifecycle state of a working order.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCanceled        OrderStatus = "canceled"
)

// OrderState reports fill progress for a single order.
type OrderState struct {
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// CandleSource fetches historical candles. Implementations must bound the
// call with a timeout; minCount is the minimum usable history.
type CandleSource interface {
	Candles(ctx context.Context, instrument string, tf Timeframe, minCount int) ([]Candle, error)
}

// PriceSource reports the current reference price for an instrument.
type PriceSource interface {
	CurrentPrice(ctx context.Context, instrument string) (float64, error)
}

// AccountSource reports account balances.
type AccountSource interface {
	Balances(ctx context.Context) (Balance, error)
}

// PositionSource reports the live position for an instrument, nil when flat.
type PositionSource interface {
	CurrentPosition(ctx context.Context, instrument string) (*Position, error)
}

// BrokerOrders is the order-management capability the execution controller
// drives. Quantities and prices are in the instrument's native units.
type BrokerOrders interface {
	PlaceLimit(ctx context.Context, instrument string, side Side, qty, price float64) (orderID string, err error)
	PlaceMarket(ctx context.Context, instrument string, side Side, qty float64) (orderID string, err error)
	Cancel(ctx context.Context, instrument, orderID string) error
	CancelAll(ctx context.Context, instrument string) error
	OrderState(ctx context.Context, instrument, orderID string) (OrderState, error)
}
