package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

// Synthetic generates deterministic random-walk candles so paper runs work
// without any market-data connection. The same seed always produces the same
// series, which keeps simulated runs reproducible.
type Synthetic struct {
	mu    sync.Mutex
	rng   *rand.Rand
	base  map[string]float64
	last  map[string]float64
	clock market.Clock
	vol   float64
}

// NewSynthetic seeds the walk. base maps instrument to starting price; vol
// is the per-bar fractional move, e.g. 0.02 for 2%.
func NewSynthetic(seed int64, base map[string]float64, vol float64, clock market.Clock) *Synthetic {
	if vol <= 0 {
		vol = 0.02
	}
	last := make(map[string]float64, len(base))
	for sym, px := range base {
		last[sym] = px
	}
	return &Synthetic{
		rng:   rand.New(rand.NewSource(seed)),
		base:  base,
		last:  last,
		clock: clock,
		vol:   vol,
	}
}

// Candles walks minCount bars backward-anchored at the current time. The
// final close becomes the instrument's live price.
func (s *Synthetic) Candles(_ context.Context, instrument string, tf market.Timeframe, minCount int) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	px, ok := s.base[instrument]
	if !ok {
		return nil, fmt.Errorf("no synthetic series for %s", instrument)
	}

	step := tf.Duration()
	end := s.clock.Now().Truncate(step)
	out := make([]market.Candle, minCount)
	ts := end.Add(-time.Duration(minCount) * step)
	for i := range out {
		open := px
		move := (s.rng.Float64()*2 - 1) * s.vol
		px = open * (1 + move)
		high, low := open, px
		if px > open {
			high = px
			low = open
		}
		high *= 1 + s.rng.Float64()*s.vol/2
		low *= 1 - s.rng.Float64()*s.vol/2
		out[i] = market.Candle{
			Ts:     ts,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  px,
			Volume: 100 + s.rng.Float64()*900,
		}
		ts = ts.Add(step)
	}
	s.last[instrument] = px
	return out, nil
}

// CurrentPrice returns the most recent synthetic close.
func (s *Synthetic) CurrentPrice(_ context.Context, instrument string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	px, ok := s.last[instrument]
	if !ok {
		return 0, fmt.Errorf("no synthetic series for %s", instrument)
	}
	return px, nil
}
