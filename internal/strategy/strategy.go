// Package strategy implements the per-instrument decision state machine:
// trend-following long/short selection with a time-boxed contrarian hold
// that overrides the trend signal while it is active.
package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/state"
)

// Exposure is the target exposure the machine hands to the allocator and
// execution controller. The machine itself never places orders.
type Exposure int

const (
	Flat Exposure = iota
	Long
	Short
)

func (e Exposure) String() string {
	switch e {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Bias is a stochastic reading after neutral handling. Missing or undefined
// signals arrive as BiasNeutral and are resolved by the configured default.
type Bias int

const (
	BiasNeutral Bias = iota
	BiasBullish
	BiasBearish
)

// ReverseParams configures the contrarian-hold trigger for one instrument.
// ErrorThreshold is negative: the hold arms when price sits at least that
// far below its moving average.
type ReverseParams struct {
	Enabled        bool
	ErrorThreshold float64
	HoldHours      float64
}

// Config is the per-instrument decision configuration.
type Config struct {
	Reverse      ReverseParams
	ShortEnabled bool
	// DefaultBias resolves a neutral long-side stochastic. The originals
	// treat missing data as bullish so a stale cache never forces an exit.
	DefaultBias Bias
	// HoldExposure is the exposure reported while a contrarian hold is
	// active. Observed behavior is Long; Flat is the conservative reading.
	HoldExposure Exposure
}

// Inputs are one instrument's observations for a single cycle. ShortMA may
// be zero when the short side is disabled or its history is unavailable.
type Inputs struct {
	Price     float64
	MA        float64
	LongBias  Bias
	ShortMA   float64
	ShortBias Bias
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Exposure    Exposure
	Mode        state.Mode
	ErrorRate   float64
	HoldActive  bool
	HoldEntered bool
	HoldExpired bool
	UsedDefault bool
	Reason      string
}

// Machine evaluates instruments against their persisted state, persisting
// every transition immediately.
type Machine struct {
	store *state.Store
	clock market.Clock
	log   zerolog.Logger
}

func NewMachine(store *state.Store, clock market.Clock, log zerolog.Logger) *Machine {
	return &Machine{store: store, clock: clock, log: log}
}

// Evaluate runs one cycle's decision for an instrument.
func (m *Machine) Evaluate(instrument string, in Inputs, cfg Config) (Decision, error) {
	if in.MA <= 0 || in.Price <= 0 {
		return Decision{}, fmt.Errorf("%s: non-positive price %.4f or MA %.4f", instrument, in.Price, in.MA)
	}

	now := m.clock.Now()
	rec := m.store.Get(instrument)
	errorRate := (in.Price - in.MA) / in.MA * 100

	// An active hold overrides every other condition this cycle.
	if rec.Mode == state.ModeContrarianHold && rec.HoldStartedAt != nil {
		elapsed := now.Sub(*rec.HoldStartedAt).Hours()
		if elapsed < rec.HoldDurationHours {
			m.log.Debug().Str("instrument", instrument).
				Float64("remaining_h", rec.HoldDurationHours-elapsed).
				Msg("contrarian hold active")
			return Decision{
				Exposure:   cfg.HoldExposure,
				Mode:       state.ModeContrarianHold,
				ErrorRate:  errorRate,
				HoldActive: true,
				Reason:     "contrarian hold active",
			}, nil
		}
		// Hold expired: reset and fall through to a fresh evaluation.
		rec = state.Record{Mode: state.ModeFlat}
		if err := m.store.Set(instrument, rec); err != nil {
			return Decision{}, fmt.Errorf("%s: persist hold expiry: %w", instrument, err)
		}
		m.log.Info().Str("instrument", instrument).Float64("elapsed_h", elapsed).Msg("contrarian hold expired")
		dec, err := m.decide(instrument, in, cfg, rec, errorRate, now)
		dec.HoldExpired = true
		return dec, err
	}

	return m.decide(instrument, in, cfg, rec, errorRate, now)
}

func (m *Machine) decide(instrument string, in Inputs, cfg Config, rec state.Record, errorRate float64, now time.Time) (Decision, error) {
	// Contrarian entry: a deep dip below the MA arms a fixed-duration hold
	// instead of following the trend out.
	if cfg.Reverse.Enabled && in.Price < in.MA && errorRate <= cfg.Reverse.ErrorThreshold {
		started := now
		next := state.Record{
			Mode:              state.ModeContrarianHold,
			HoldStartedAt:     &started,
			HoldDurationHours: cfg.Reverse.HoldHours,
		}
		if err := m.store.Set(instrument, next); err != nil {
			return Decision{}, fmt.Errorf("%s: persist hold entry: %w", instrument, err)
		}
		m.log.Info().Str("instrument", instrument).
			Float64("error_rate", errorRate).Float64("hold_hours", cfg.Reverse.HoldHours).
			Msg("contrarian hold entered")
		return Decision{
			Exposure:    cfg.HoldExposure,
			Mode:        state.ModeContrarianHold,
			ErrorRate:   errorRate,
			HoldActive:  true,
			HoldEntered: true,
			Reason:      "error rate below threshold",
		}, nil
	}

	longBias := in.LongBias
	usedDefault := false
	if longBias == BiasNeutral {
		longBias = cfg.DefaultBias
		usedDefault = true
	}

	// Long wins whenever both directions could fire.
	if in.Price > in.MA && longBias == BiasBullish {
		return m.transition(instrument, rec, Decision{
			Exposure:    Long,
			Mode:        state.ModeTrendLong,
			ErrorRate:   errorRate,
			UsedDefault: usedDefault,
			Reason:      "price above MA, bullish stochastic",
		})
	}

	if cfg.ShortEnabled && in.ShortMA > 0 && in.Price < in.ShortMA && in.ShortBias == BiasBearish {
		return m.transition(instrument, rec, Decision{
			Exposure:  Short,
			Mode:      state.ModeTrendShort,
			ErrorRate: errorRate,
			Reason:    "price below short MA, bearish stochastic",
		})
	}

	return m.transition(instrument, rec, Decision{
		Exposure:    Flat,
		Mode:        state.ModeFlat,
		ErrorRate:   errorRate,
		UsedDefault: usedDefault,
		Reason:      "no trend condition met",
	})
}

func (m *Machine) transition(instrument string, rec state.Record, dec Decision) (Decision, error) {
	if rec.Mode != dec.Mode {
		if err := m.store.Set(instrument, state.Record{Mode: dec.Mode}); err != nil {
			return Decision{}, fmt.Errorf("%s: persist mode %s: %w", instrument, dec.Mode, err)
		}
	}
	return dec, nil
}
