// Package execution drives the order fill ladder against a broker: cancel
// stale orders, reprice a limit near the market, wait for fills, and fall
// back to a market order once the retry budget is spent.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/metrics"
)

const qtyEpsilon = 1e-9

// Status is the terminal outcome of one execution attempt.
type Status string

const (
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFailed          Status = "FAILED"
)

// Intent describes one order the controller should work to completion.
// TickSize and MinQty are instrument properties the ladder needs for limit
// pricing and the market-fallback threshold.
type Intent struct {
	Instrument string
	Side       market.Side
	Quantity   float64
	TickSize   float64
	MinQty     float64
}

// FillReport is the terminal outcome: how much filled, at what weighted
// average price, and through which path.
type FillReport struct {
	Instrument     string      `json:"instrument"`
	Side           market.Side `json:"side"`
	TargetQty      float64     `json:"target_qty"`
	FilledQty      float64     `json:"filled_qty"`
	AvgPrice       float64     `json:"avg_price"`
	Status         Status      `json:"status"`
	LimitAttempts  int         `json:"limit_attempts"`
	MarketFallback bool        `json:"market_fallback"`
}

// Config tunes the ladder. Timeouts are kept short in tests.
type Config struct {
	LimitOffsetTicks int
	MaxRetries       int
	FillWait         time.Duration
	PollInterval     time.Duration
	RetryDelay       time.Duration
}

// DefaultConfig mirrors the production tuning: five limit attempts priced
// one tick through the market, five seconds per fill wait.
func DefaultConfig() Config {
	return Config{
		LimitOffsetTicks: 1,
		MaxRetries:       5,
		FillWait:         5 * time.Second,
		PollInterval:     500 * time.Millisecond,
		RetryDelay:       time.Second,
	}
}

// Controller executes intents against the broker capability interfaces.
type Controller struct {
	orders    market.BrokerOrders
	prices    market.PriceSource
	positions market.PositionSource
	clock     market.Clock
	cfg       Config
	log       zerolog.Logger
}

func NewController(orders market.BrokerOrders, prices market.PriceSource, positions market.PositionSource, clock market.Clock, cfg Config, log zerolog.Logger) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Controller{orders: orders, prices: prices, positions: positions, clock: clock, cfg: cfg, log: log}
}

// Execute works an intent through the limit ladder and market fallback,
// always returning a terminal FillReport. The error is non-nil only when the
// report is StatusFailed with a cause worth propagating.
func (c *Controller) Execute(ctx context.Context, intent Intent) (FillReport, error) {
	report := FillReport{Instrument: intent.Instrument, Side: intent.Side, TargetQty: intent.Quantity}
	if intent.Quantity <= 0 {
		report.Status = StatusFailed
		return report, fmt.Errorf("%s: non-positive quantity %.8f", intent.Instrument, intent.Quantity)
	}

	remaining := intent.Quantity
	var filled, cost float64

	for attempt := 1; attempt <= c.cfg.MaxRetries && remaining > qtyEpsilon; attempt++ {
		if ctx.Err() != nil {
			break
		}
		report.LimitAttempts = attempt
		if attempt > 1 {
			metrics.LimitRetriesTotal.WithLabelValues(intent.Instrument).Inc()
		}

		if err := c.orders.CancelAll(ctx, intent.Instrument); err != nil {
			c.log.Warn().Err(err).Str("sym", intent.Instrument).Msg("cancel stale orders")
		}

		price, err := c.prices.CurrentPrice(ctx, intent.Instrument)
		if err != nil {
			c.log.Warn().Err(err).Str("sym", intent.Instrument).Msg("reference price unavailable")
			c.pause(ctx, c.cfg.RetryDelay)
			continue
		}
		limit := c.limitPrice(price, intent)

		orderID, err := c.orders.PlaceLimit(ctx, intent.Instrument, intent.Side, remaining, limit)
		if err != nil {
			c.log.Warn().Err(err).Str("sym", intent.Instrument).Int("attempt", attempt).Msg("limit placement failed")
			c.pause(ctx, c.cfg.RetryDelay)
			continue
		}
		metrics.OrdersTotal.WithLabelValues(intent.Instrument, string(intent.Side), "limit").Inc()
		c.log.Info().Str("sym", intent.Instrument).Str("side", string(intent.Side)).
			Int("attempt", attempt).Float64("qty", remaining).Float64("px", limit).Msg("limit order working")

		st := c.waitForFill(ctx, intent.Instrument, orderID)
		if st.FilledQty > qtyEpsilon {
			fillPx := st.AvgPrice
			if fillPx <= 0 {
				fillPx = limit
			}
			filled += st.FilledQty
			cost += st.FilledQty * fillPx
			remaining = intent.Quantity - filled
		}
		if remaining <= qtyEpsilon {
			break
		}

		if err := c.orders.Cancel(ctx, intent.Instrument, orderID); err != nil {
			c.log.Warn().Err(err).Str("sym", intent.Instrument).Msg("cancel working order")
		}
		c.pause(ctx, c.cfg.RetryDelay)
	}

	// Market fallback for a remainder still worth trading.
	if remaining > qtyEpsilon && remaining >= intent.MinQty {
		report.MarketFallback = true
		metrics.MarketFallbacksTotal.WithLabelValues(intent.Instrument).Inc()
		if err := c.orders.CancelAll(ctx, intent.Instrument); err != nil {
			c.log.Warn().Err(err).Str("sym", intent.Instrument).Msg("cancel before market fallback")
		}
		c.log.Warn().Str("sym", intent.Instrument).Float64("qty", remaining).Msg("limit ladder exhausted, sending market order")

		ref, refErr := c.prices.CurrentPrice(ctx, intent.Instrument)
		if refErr != nil {
			c.log.Warn().Err(refErr).Str("sym", intent.Instrument).Msg("reference price before market fallback")
		}

		orderID, err := c.orders.PlaceMarket(ctx, intent.Instrument, intent.Side, remaining)
		if err != nil {
			report.FilledQty = filled
			report.AvgPrice = avgPrice(cost, filled)
			if filled > qtyEpsilon {
				report.Status = StatusPartiallyFilled
				return report, nil
			}
			report.Status = StatusFailed
			return report, fmt.Errorf("%s: market fallback: %w", intent.Instrument, err)
		}
		metrics.OrdersTotal.WithLabelValues(intent.Instrument, string(intent.Side), "market").Inc()

		st := c.waitForFill(ctx, intent.Instrument, orderID)
		if st.FilledQty > qtyEpsilon {
			fillPx := st.AvgPrice
			if fillPx <= 0 {
				fillPx = ref
			}
			filled += st.FilledQty
			cost += st.FilledQty * fillPx
			remaining = intent.Quantity - filled
		}
	}

	report.FilledQty = filled
	report.AvgPrice = avgPrice(cost, filled)
	switch {
	case remaining <= qtyEpsilon:
		report.Status = StatusFilled
	case filled > qtyEpsilon:
		report.Status = StatusPartiallyFilled
	default:
		report.Status = StatusFailed
	}
	c.log.Info().Str("sym", intent.Instrument).Str("status", string(report.Status)).
		Float64("filled", report.FilledQty).Float64("avg_px", report.AvgPrice).Msg("execution finished")
	return report, nil
}

// Close unwinds the live position with the symmetric ladder: side reversed,
// quantity read from the broker rather than a computed target.
func (c *Controller) Close(ctx context.Context, instrument string, tickSize, minQty float64) (FillReport, error) {
	pos, err := c.positions.CurrentPosition(ctx, instrument)
	if err != nil {
		return FillReport{Instrument: instrument, Status: StatusFailed}, fmt.Errorf("%s: read position: %w", instrument, err)
	}
	if pos == nil || pos.Quantity <= qtyEpsilon {
		// Nothing to close is a successful no-op.
		return FillReport{Instrument: instrument, Status: StatusFilled}, nil
	}
	side := market.Sell
	if pos.Side == market.PositionShort {
		side = market.Buy
	}
	return c.Execute(ctx, Intent{
		Instrument: instrument,
		Side:       side,
		Quantity:   pos.Quantity,
		TickSize:   tickSize,
		MinQty:     minQty,
	})
}

// limitPrice offsets the reference price in the favorable-to-fill direction:
// above market for buys, below for sells.
func (c *Controller) limitPrice(price float64, intent Intent) float64 {
	offset := float64(c.cfg.LimitOffsetTicks) * intent.TickSize
	if intent.Side == market.Buy {
		return price + offset
	}
	return price - offset
}

// waitForFill polls order state until filled, canceled, or the fill wait
// elapses. Whatever has filled by then is reported back.
func (c *Controller) waitForFill(ctx context.Context, instrument, orderID string) market.OrderState {
	deadline := c.clock.Now().Add(c.cfg.FillWait)
	var last market.OrderState
	for {
		st, err := c.orders.OrderState(ctx, instrument, orderID)
		if err != nil {
			c.log.Warn().Err(err).Str("sym", instrument).Msg("poll order state")
		} else {
			last = st
			if st.Status == market.OrderFilled || st.Status == market.OrderCanceled {
				return st
			}
		}
		if ctx.Err() != nil || !c.clock.Now().Before(deadline) {
			return last
		}
		c.pause(ctx, c.cfg.PollInterval)
	}
}

func (c *Controller) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func avgPrice(cost, filled float64) float64 {
	if filled <= qtyEpsilon {
		return 0
	}
	return cost / filled
}
