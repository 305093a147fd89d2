// Package paper simulates the venue in-process: a virtual margin account, a
// broker that fills marketable orders instantly, and recorders for the fills
// it produces. It lets the full cycle pipeline run without touching a real
// exchange.
package paper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

const epsilon = 1e-9

type positionState struct {
	Side    market.PositionSide
	Qty     float64
	AvgCost float64
}

// Account tracks virtual cash, realized PnL, and per-instrument positions.
// Longs consume cash at fill price; shorts are margin-style, settling their
// PnL into cash only when closed.
type Account struct {
	mu           sync.Mutex
	startingCash float64
	cash         float64
	realizedPnL  float64
	positions    map[string]positionState
}

// Snapshot is a read-only account view marked to the supplied prices.
type Snapshot struct {
	Cash        float64
	RealizedPnL float64
	Equity      float64
	Positions   map[string]PositionSnapshot
}

// PositionSnapshot is one instrument's marked position.
type PositionSnapshot struct {
	Side       market.PositionSide
	Qty        float64
	AvgCost    float64
	Unrealized float64
}

func NewAccount(startingCash float64) *Account {
	return &Account{
		startingCash: startingCash,
		cash:         startingCash,
		positions:    make(map[string]positionState),
	}
}

// StartingCash returns the initial bankroll, used for PnL reporting.
func (a *Account) StartingCash() float64 { return a.startingCash }

// Fill applies one executed order to the account. Orders that would flip a
// position through flat in one trade are rejected; close first, then enter.
func (a *Account) Fill(instrument string, side market.Side, qty, price float64) error {
	if qty <= 0 {
		return errors.New("quantity must be positive")
	}
	if price <= 0 {
		return errors.New("price must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, held := a.positions[instrument]
	notional := qty * price

	switch {
	case side == market.Buy && (!held || state.Side == market.PositionLong):
		if notional > a.cash+epsilon {
			return errors.New("insufficient cash for buy")
		}
		newQty := state.Qty + qty
		newAvg := ((state.AvgCost * state.Qty) + notional) / newQty
		a.cash -= notional
		a.positions[instrument] = positionState{Side: market.PositionLong, Qty: newQty, AvgCost: newAvg}

	case side == market.Sell && held && state.Side == market.PositionLong:
		if state.Qty+epsilon < qty {
			return fmt.Errorf("sell %.8f exceeds long position %.8f", qty, state.Qty)
		}
		a.realizedPnL += (price - state.AvgCost) * qty
		a.cash += notional
		a.reduce(instrument, state, qty)

	case side == market.Sell && (!held || state.Side == market.PositionShort):
		newQty := state.Qty + qty
		newAvg := ((state.AvgCost * state.Qty) + notional) / newQty
		a.positions[instrument] = positionState{Side: market.PositionShort, Qty: newQty, AvgCost: newAvg}

	case side == market.Buy && held && state.Side == market.PositionShort:
		if state.Qty+epsilon < qty {
			return fmt.Errorf("buy %.8f exceeds short position %.8f", qty, state.Qty)
		}
		realized := (state.AvgCost - price) * qty
		a.realizedPnL += realized
		a.cash += realized
		a.reduce(instrument, state, qty)

	default:
		return errors.New("unknown order side")
	}
	return nil
}

func (a *Account) reduce(instrument string, state positionState, qty float64) {
	newQty := state.Qty - qty
	if newQty <= epsilon {
		delete(a.positions, instrument)
		return
	}
	a.positions[instrument] = positionState{Side: state.Side, Qty: newQty, AvgCost: state.AvgCost}
}

// Position returns the live position for an instrument, nil when flat.
func (a *Account) Position(instrument string) *market.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.positions[instrument]
	if !ok {
		return nil
	}
	return &market.Position{Side: state.Side, Quantity: state.Qty, AvgPrice: state.AvgCost}
}

// AvailableCash reports free cash deployable into new longs.
func (a *Account) AvailableCash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}

// Snapshot marks every position with the supplied prices. Instruments with
// no mark contribute zero unrealized value.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]PositionSnapshot, len(a.positions))
	equity := a.cash
	for sym, pos := range a.positions {
		mark := prices[sym]
		var unrealized float64
		if mark > 0 {
			if pos.Side == market.PositionLong {
				equity += pos.Qty * mark
				unrealized = (mark - pos.AvgCost) * pos.Qty
			} else {
				unrealized = (pos.AvgCost - mark) * pos.Qty
				equity += unrealized
			}
		} else if pos.Side == market.PositionLong {
			equity += pos.Qty * pos.AvgCost
		}
		positions[sym] = PositionSnapshot{
			Side:       pos.Side,
			Qty:        pos.Qty,
			AvgCost:    pos.AvgCost,
			Unrealized: unrealized,
		}
	}
	return Snapshot{
		Cash:        a.cash,
		RealizedPnL: a.realizedPnL,
		Equity:      equity,
		Positions:   positions,
	}
}
