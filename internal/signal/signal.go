// Package signal computes the daily stochastic trading bias per instrument
// and memoizes it per UTC calendar day, persisting the cache so a restart
// within the same day never refetches candle history.
package signal

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/indicator"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/metrics"
	"github.com/rltjrdbxbqm-dev/autotradebot/internal/util"
)

// Params are the slow-stochastic periods for one instrument.
type Params struct {
	KPeriod int `yaml:"k_period" json:"k_period"`
	KSmooth int `yaml:"k_smooth" json:"k_smooth"`
	DPeriod int `yaml:"d_period" json:"d_period"`
}

// candleHeadroom pads the fetch beyond the arithmetic minimum so a few
// unusable leading bars don't starve the computation.
const candleHeadroom = 10

// MinCandles is the daily candle count required to produce one defined
// (slowK, slowD) pair.
func (p Params) MinCandles() int {
	return p.KPeriod + p.KSmooth + p.DPeriod + candleHeadroom
}

// Entry is one instrument's cached daily signal.
type Entry struct {
	SlowK     float64 `json:"slow_k"`
	SlowD     float64 `json:"slow_d"`
	IsBullish bool    `json:"is_bullish"`
}

// document is the persisted cache layout.
type document struct {
	CacheDate string           `json:"cache_date"`
	Entries   map[string]Entry `json:"entries"`
}

// Engine owns one daily signal cache. Long and short sides run separate
// Engine instances with independent parameter sets and cache files.
type Engine struct {
	path    string
	params  map[string]Params
	candles market.CandleSource
	clock   market.Clock
	log     zerolog.Logger

	mu      sync.Mutex
	date    string
	entries map[string]Entry
}

func NewEngine(path string, params map[string]Params, candles market.CandleSource, clock market.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		path:    path,
		params:  params,
		candles: candles,
		clock:   clock,
		log:     log,
		entries: make(map[string]Entry),
	}
}

// Load restores the persisted cache. Missing or unreadable files just mean
// the next access recomputes.
func (e *Engine) Load() {
	var doc document
	if err := util.ReadJSON(e.path, &doc); err != nil {
		if !os.IsNotExist(err) {
			e.log.Warn().Err(err).Str("path", e.path).Msg("signal cache unreadable, will recompute")
		}
		return
	}
	e.mu.Lock()
	e.date = doc.CacheDate
	if doc.Entries != nil {
		e.entries = doc.Entries
	}
	e.mu.Unlock()
	e.log.Info().Str("date", doc.CacheDate).Int("instruments", len(doc.Entries)).Msg("signal cache restored")
}

// Signal returns the cached daily entry for an instrument, refreshing every
// configured instrument together on the first access of a new UTC day. The
// second return is false when no defined signal exists for the instrument
// today; callers treat that as neutral.
func (e *Engine) Signal(ctx context.Context, instrument string) (Entry, bool) {
	today := market.UTCDay(e.clock.Now())

	e.mu.Lock()
	if e.date != today {
		e.refreshAllLocked(ctx, today)
	}
	entry, ok := e.entries[instrument]
	e.mu.Unlock()
	if ok {
		return entry, true
	}

	// The bulk refresh skipped this instrument (fetch failure or thin
	// history). Retry it alone so one bad instrument cannot shadow a later
	// recovery, and so a late-added instrument still gets a value today.
	entry, err := e.compute(ctx, instrument)
	if err != nil {
		return Entry{}, false
	}
	e.mu.Lock()
	e.entries[instrument] = entry
	e.persistLocked()
	e.mu.Unlock()
	return entry, true
}

// refreshAllLocked recomputes every instrument for the new day. Failures are
// logged and leave no entry; they never block the other instruments.
func (e *Engine) refreshAllLocked(ctx context.Context, today string) {
	e.log.Info().Str("date", today).Int("instruments", len(e.params)).Msg("refreshing daily signals")
	e.date = today
	e.entries = make(map[string]Entry, len(e.params))
	for instrument := range e.params {
		entry, err := e.compute(ctx, instrument)
		if err != nil {
			e.log.Warn().Err(err).Str("instrument", instrument).Msg("daily signal unavailable")
			continue
		}
		e.entries[instrument] = entry
		metrics.SignalRefreshesTotal.WithLabelValues(instrument).Inc()
	}
	e.persistLocked()
}

func (e *Engine) compute(ctx context.Context, instrument string) (Entry, error) {
	p, ok := e.params[instrument]
	if !ok {
		return Entry{}, indicator.ErrInsufficientData
	}
	candles, err := e.candles.Candles(ctx, instrument, market.Timeframe1D, p.MinCandles())
	if err != nil {
		return Entry{}, err
	}
	slowK, slowD, err := indicator.Stochastic(candles, p.KPeriod, p.KSmooth, p.DPeriod)
	if err != nil {
		return Entry{}, err
	}
	e.log.Debug().Str("instrument", instrument).
		Float64("k", slowK).Float64("d", slowD).Bool("bullish", slowK > slowD).
		Msg("daily stochastic computed")
	return Entry{SlowK: slowK, SlowD: slowD, IsBullish: slowK > slowD}, nil
}

func (e *Engine) persistLocked() {
	doc := document{CacheDate: e.date, Entries: e.entries}
	if err := util.WriteJSON(e.path, doc); err != nil {
		e.log.Error().Err(err).Str("path", e.path).Msg("persist signal cache")
	}
}
