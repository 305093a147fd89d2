package engine

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/execution"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/paper"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/state"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/strategy"
)

// End-to-end pass through the real execution controller against the paper
// broker: enter a long on a bullish cycle, then close it when the signal
// turns flat, and check the simulated account took both fills.
func TestCycleAgainstPaperBroker(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)}
	store := state.NewStore(filepath.Join(t.TempDir(), "positions.json"), zerolog.Nop())

	prices := &fakePrices{prices: map[string]float64{"BTCUSDT": 105}, errs: map[string]error{}}
	candles := &fakeCandles{closes: map[string]float64{"BTCUSDT": 100}, errs: map[string]error{}}

	account := paper.NewAccount(1000)
	broker := paper.NewBroker(account, prices, 0, zerolog.Nop())
	ledger := paper.NewLedger(8)

	execCfg := execution.Config{
		LimitOffsetTicks: 1,
		MaxRetries:       3,
		FillWait:         5 * time.Millisecond,
		PollInterval:     time.Millisecond,
	}
	ctrl := execution.NewController(broker, prices, broker, market.RealClock{}, execCfg, zerolog.Nop())

	eng := New(Deps{
		Candles:   candles,
		Prices:    prices,
		Account:   broker,
		Positions: broker,
		Machine:   strategy.NewMachine(store, clock, zerolog.Nop()),
		Exec:      ctrl,
		Clock:     clock,
		Recorder:  ledger,
		Log:       zerolog.Nop(),
	}, Config{}, []Instrument{testInstrument("BTCUSDT")})

	rep := eng.RunCycle(context.Background())
	if rep.Entered != 1 || rep.Errors != 0 {
		t.Fatalf("entry cycle: %+v", rep)
	}
	pos := account.Position("BTCUSDT")
	if pos == nil || pos.Side != market.PositionLong {
		t.Fatalf("expected long position, got %+v", pos)
	}
	// Equity cap: 1000*30/100 = 300 notional at the 105.5 limit price.
	wantQty := 300.0 / 105.0
	if math.Abs(pos.Quantity-wantQty) > 1e-9 {
		t.Fatalf("position qty %.8f, want %.8f", pos.Quantity, wantQty)
	}
	if pos.AvgPrice != 105.5 {
		t.Fatalf("fill price %.4f, want one tick through the market", pos.AvgPrice)
	}

	// Price drops below the MA: next cycle closes the position.
	prices.prices["BTCUSDT"] = 95
	clock.t = clock.t.Add(4 * time.Hour)
	rep = eng.RunCycle(context.Background())
	if rep.Closed != 1 || rep.Errors != 0 {
		t.Fatalf("close cycle: %+v", rep)
	}
	if account.Position("BTCUSDT") != nil {
		t.Fatal("position not closed")
	}

	fills := ledger.Snapshot()
	if len(fills) != 2 {
		t.Fatalf("expected 2 recorded fills, got %d", len(fills))
	}
	if fills[0].Side != market.Buy || fills[1].Side != market.Sell {
		t.Fatalf("unexpected fill sides %+v", fills)
	}
	if fills[0].MarketFallback || fills[1].MarketFallback {
		t.Fatal("marketable limits must not fall back")
	}
}
