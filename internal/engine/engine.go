// Package engine orchestrates one trading cycle: per instrument it reads
// market data, evaluates the strategy machine, allocates capital to empty
// slots, and drives the execution ladder to reconcile the live position with
// the decided exposure.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/allocator"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/execution"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/indicator"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/metrics"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/signal"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/strategy"
)

// Instrument is one tradable symbol with its full decision parameter set.
type Instrument struct {
	Symbol        string
	Timeframe     market.Timeframe
	MAPeriod      int
	MAKind        indicator.MAKind
	ShortMAPeriod int
	ShortMAKind   indicator.MAKind
	Strategy      strategy.Config
	Weight        float64
	TickSize      float64
	MinQty        float64
}

// Executor is the slice of the execution controller the engine drives.
type Executor interface {
	Execute(ctx context.Context, intent execution.Intent) (execution.FillReport, error)
	Close(ctx context.Context, instrument string, tickSize, minQty float64) (execution.FillReport, error)
}

// FillRecorder receives every terminal fill report, e.g. the paper ledger.
type FillRecorder interface {
	Record(execution.FillReport)
}

// Config tunes cycle behavior.
type Config struct {
	Allocator allocator.Params
	// DryRun evaluates and reports decisions without invoking execution.
	DryRun bool
}

// Deps wires the engine. ShortSignals and Recorder may be nil.
type Deps struct {
	Candles      market.CandleSource
	Prices       market.PriceSource
	Account      market.AccountSource
	Positions    market.PositionSource
	Signals      *signal.Engine
	ShortSignals *signal.Engine
	Machine      *strategy.Machine
	Exec         Executor
	Clock        market.Clock
	Notifier     market.Notifier
	Recorder     FillRecorder
	Log          zerolog.Logger
}

type Engine struct {
	deps        Deps
	cfg         Config
	instruments []Instrument
}

func New(deps Deps, cfg Config, instruments []Instrument) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = market.NopNotifier{}
	}
	return &Engine{deps: deps, cfg: cfg, instruments: instruments}
}

// RunCycle executes one full pass over all instruments. It always returns a
// report; an account-level failure abandons the cycle before any state is
// touched.
func (e *Engine) RunCycle(ctx context.Context) market.CycleReport {
	metrics.CyclesTotal.Inc()
	rep := market.CycleReport{StartedAt: e.deps.Clock.Now()}

	bal, err := e.deps.Account.Balances(ctx)
	if err != nil {
		rep.Abandoned = true
		rep.AbandonWhy = fmt.Sprintf("balances unavailable: %v", err)
		rep.FinishedAt = e.deps.Clock.Now()
		e.deps.Log.Error().Err(err).Msg("cycle abandoned, account fetch failed")
		e.deps.Notifier.ReportCycle(rep)
		return rep
	}
	rep.Equity = bal.TotalEquity
	rep.Available = bal.Available

	// One allocation snapshot for the whole cycle. A position read failure
	// marks the slot occupied so an unknown position can never be sized.
	positions := make(map[string]*market.Position, len(e.instruments))
	posErrs := make(map[string]error)
	slots := make([]allocator.Slot, 0, len(e.instruments))
	for _, inst := range e.instruments {
		pos, err := e.deps.Positions.CurrentPosition(ctx, inst.Symbol)
		if err != nil {
			posErrs[inst.Symbol] = err
			slots = append(slots, allocator.Slot{Instrument: inst.Symbol, Weight: inst.Weight, Occupied: true})
			continue
		}
		positions[inst.Symbol] = pos
		slots = append(slots, allocator.Slot{Instrument: inst.Symbol, Weight: inst.Weight, Occupied: pos != nil})
	}
	allocations := allocator.Allocate(bal.Available, bal.TotalEquity, slots, e.cfg.Allocator)

	for _, inst := range e.instruments {
		var outcome market.InstrumentOutcome
		if err, ok := posErrs[inst.Symbol]; ok {
			outcome = market.InstrumentOutcome{
				Instrument: inst.Symbol,
				Kind:       market.OutcomeError,
				Err:        fmt.Sprintf("position: %v", err),
			}
		} else {
			outcome = e.runInstrument(ctx, inst, positions[inst.Symbol], allocations[inst.Symbol])
		}
		metrics.CycleOutcomesTotal.WithLabelValues(inst.Symbol, string(outcome.Kind)).Inc()
		rep.Outcomes = append(rep.Outcomes, outcome)
		switch outcome.Kind {
		case market.OutcomeEntered:
			rep.Entered++
		case market.OutcomeClosed:
			rep.Closed++
		case market.OutcomeHeld:
			rep.Held++
		case market.OutcomeError:
			rep.Errors++
		}
	}

	rep.AllFailed = len(rep.Outcomes) > 0 && rep.Errors == len(rep.Outcomes)
	rep.FinishedAt = e.deps.Clock.Now()
	e.deps.Log.Info().Int("entered", rep.Entered).Int("closed", rep.Closed).
		Int("held", rep.Held).Int("errors", rep.Errors).Bool("all_failed", rep.AllFailed).
		Msg("cycle finished")
	e.deps.Notifier.ReportCycle(rep)
	return rep
}

// runInstrument evaluates and reconciles a single instrument. Every failure
// is contained in the returned outcome.
func (e *Engine) runInstrument(ctx context.Context, inst Instrument, pos *market.Position, allocation float64) market.InstrumentOutcome {
	out := market.InstrumentOutcome{Instrument: inst.Symbol}

	in, err := e.observe(ctx, inst)
	if err != nil {
		out.Kind = market.OutcomeError
		out.Err = err.Error()
		e.deps.Log.Error().Err(err).Str("sym", inst.Symbol).Msg("observation failed")
		return out
	}

	dec, err := e.deps.Machine.Evaluate(inst.Symbol, in, inst.Strategy)
	if err != nil {
		out.Kind = market.OutcomeError
		out.Err = err.Error()
		return out
	}
	e.deps.Log.Info().Str("sym", inst.Symbol).Str("exposure", dec.Exposure.String()).
		Float64("price", in.Price).Float64("ma", in.MA).Float64("error_rate", dec.ErrorRate).
		Bool("hold", dec.HoldActive).Bool("default_bias", dec.UsedDefault).
		Str("reason", dec.Reason).Msg("decision")

	if e.cfg.DryRun {
		out.Kind = market.OutcomeDryRun
		out.Detail = fmt.Sprintf("%s (%s)", dec.Exposure, dec.Reason)
		return out
	}
	return e.reconcile(ctx, inst, dec, pos, allocation, in.Price)
}

// observe gathers price, moving averages, and stochastic biases.
func (e *Engine) observe(ctx context.Context, inst Instrument) (strategy.Inputs, error) {
	var in strategy.Inputs

	price, err := e.deps.Prices.CurrentPrice(ctx, inst.Symbol)
	if err != nil {
		return in, fmt.Errorf("price: %w", err)
	}
	in.Price = price

	tf := inst.Timeframe
	if tf == "" {
		tf = market.Timeframe4H
	}
	need := inst.MAPeriod
	if inst.ShortMAPeriod > need {
		need = inst.ShortMAPeriod
	}
	candles, err := e.deps.Candles.Candles(ctx, inst.Symbol, tf, need)
	if err != nil {
		return in, fmt.Errorf("candles: %w", err)
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	in.MA, err = indicator.MovingAverage(closes, inst.MAPeriod, inst.MAKind)
	if err != nil {
		return in, fmt.Errorf("moving average: %w", err)
	}
	in.LongBias = e.bias(ctx, e.deps.Signals, inst.Symbol)

	if inst.Strategy.ShortEnabled && inst.ShortMAPeriod > 0 {
		in.ShortMA, err = indicator.MovingAverage(closes, inst.ShortMAPeriod, inst.ShortMAKind)
		if err != nil {
			return in, fmt.Errorf("short moving average: %w", err)
		}
		in.ShortBias = e.bias(ctx, e.deps.ShortSignals, inst.Symbol)
	}
	return in, nil
}

// bias maps a cached stochastic entry to a strategy bias; a missing entry is
// neutral and resolved by the configured default downstream.
func (e *Engine) bias(ctx context.Context, sig *signal.Engine, symbol string) strategy.Bias {
	if sig == nil {
		return strategy.BiasNeutral
	}
	entry, ok := sig.Signal(ctx, symbol)
	if !ok {
		return strategy.BiasNeutral
	}
	if entry.IsBullish {
		return strategy.BiasBullish
	}
	return strategy.BiasBearish
}

// reconcile moves the live position toward the decided exposure.
func (e *Engine) reconcile(ctx context.Context, inst Instrument, dec strategy.Decision, pos *market.Position, allocation, price float64) market.InstrumentOutcome {
	out := market.InstrumentOutcome{Instrument: inst.Symbol}

	switch dec.Exposure {
	case strategy.Flat:
		if pos == nil {
			out.Kind = market.OutcomeWaiting
			out.Detail = dec.Reason
			return out
		}
		return e.close(ctx, inst, "flat signal")

	case strategy.Long:
		if pos != nil && pos.Side == market.PositionLong {
			out.Kind = market.OutcomeHeld
			out.Detail = holdDetail(dec, "holding long")
			return out
		}
		if pos != nil {
			if closed := e.close(ctx, inst, "reversing to long"); closed.Kind == market.OutcomeError {
				return closed
			}
		}
		return e.enter(ctx, inst, market.Buy, allocation, price)

	case strategy.Short:
		if pos != nil && pos.Side == market.PositionShort {
			out.Kind = market.OutcomeHeld
			out.Detail = holdDetail(dec, "holding short")
			return out
		}
		if pos != nil {
			if closed := e.close(ctx, inst, "reversing to short"); closed.Kind == market.OutcomeError {
				return closed
			}
		}
		return e.enter(ctx, inst, market.Sell, allocation, price)
	}

	out.Kind = market.OutcomeError
	out.Err = fmt.Sprintf("unknown exposure %v", dec.Exposure)
	return out
}

func holdDetail(dec strategy.Decision, fallback string) string {
	if dec.HoldActive {
		return "contrarian hold active"
	}
	return fallback
}

func (e *Engine) enter(ctx context.Context, inst Instrument, side market.Side, allocation, price float64) market.InstrumentOutcome {
	out := market.InstrumentOutcome{Instrument: inst.Symbol}
	if allocation <= 0 {
		out.Kind = market.OutcomeSkipped
		out.Detail = "no allocation"
		return out
	}
	qty := allocation / price
	if qty < inst.MinQty {
		out.Kind = market.OutcomeSkipped
		out.Detail = fmt.Sprintf("size %.8f below minimum", qty)
		return out
	}

	rep, err := e.deps.Exec.Execute(ctx, execution.Intent{
		Instrument: inst.Symbol,
		Side:       side,
		Quantity:   qty,
		TickSize:   inst.TickSize,
		MinQty:     inst.MinQty,
	})
	e.record(rep)
	if err != nil || rep.Status == execution.StatusFailed {
		out.Kind = market.OutcomeError
		out.Err = fmt.Sprintf("entry failed: %v", errOrStatus(err, rep))
		return out
	}

	out.Kind = market.OutcomeEntered
	dir := "long"
	if side == market.Sell {
		dir = "short"
	}
	out.Detail = fmt.Sprintf("%s %.6f @ %.4f", dir, rep.FilledQty, rep.AvgPrice)
	if rep.Status == execution.StatusPartiallyFilled {
		out.Detail += " (partial)"
	}
	return out
}

func (e *Engine) close(ctx context.Context, inst Instrument, why string) market.InstrumentOutcome {
	out := market.InstrumentOutcome{Instrument: inst.Symbol}
	rep, err := e.deps.Exec.Close(ctx, inst.Symbol, inst.TickSize, inst.MinQty)
	e.record(rep)
	if err != nil || rep.Status == execution.StatusFailed {
		out.Kind = market.OutcomeError
		out.Err = fmt.Sprintf("close failed: %v", errOrStatus(err, rep))
		return out
	}
	out.Kind = market.OutcomeClosed
	out.Detail = why
	if rep.FilledQty > 0 {
		out.Detail = fmt.Sprintf("%s, %.6f @ %.4f", why, rep.FilledQty, rep.AvgPrice)
	}
	return out
}

// record forwards real fills; the no-op close of an already-flat position
// produces nothing worth keeping.
func (e *Engine) record(rep execution.FillReport) {
	if e.deps.Recorder == nil || rep.Instrument == "" {
		return
	}
	if rep.FilledQty <= 0 && rep.Status != execution.StatusFailed {
		return
	}
	e.deps.Recorder.Record(rep)
}

func errOrStatus(err error, rep execution.FillReport) any {
	if err != nil {
		return err
	}
	return rep.Status
}
