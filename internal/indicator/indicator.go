// Package indicator provides the pure price-series math used by the signal
// engine: moving averages and the smoothed stochastic oscillator.
package indicator

import (
	"errors"
	"math"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

// ErrInsufficientData is returned when the candle history is too short, or
// too degenerate, to produce a defined value. Callers treat it as a neutral
// signal, never as a fault.
var ErrInsufficientData = errors.New("insufficient candle history")

// MAKind selects the moving-average flavor.
type MAKind string

const (
	SMA MAKind = "SMA"
	EMA MAKind = "EMA"
)

// MovingAverage computes the SMA or EMA of the last period closes. The EMA
// uses smoothing 2/(period+1), seeded with the first close of the window and
// applied left to right.
func MovingAverage(closes []float64, period int, kind MAKind) (float64, error) {
	if period <= 0 || len(closes) < period {
		return 0, ErrInsufficientData
	}
	window := closes[len(closes)-period:]
	if kind == EMA {
		alpha := 2.0 / (float64(period) + 1)
		ema := window[0]
		for _, c := range window[1:] {
			ema = alpha*c + (1-alpha)*ema
		}
		return ema, nil
	}
	var sum float64
	for _, c := range window {
		sum += c
	}
	return sum / float64(period), nil
}

// Stochastic computes the slow stochastic oscillator and returns the most
// recent (slowK, slowD) pair.
//
// Raw %K at bar i is 100*(close-minLow)/(maxHigh-minLow) over the trailing
// kPeriod window. A flat window (maxHigh == minLow) makes that raw %K
// undefined; the gap propagates through both smoothing passes rather than
// being treated as zero. SlowK is the kSmooth-bar mean of raw %K, slowD the
// dPeriod-bar mean of slowK.
func Stochastic(candles []market.Candle, kPeriod, kSmooth, dPeriod int) (slowK, slowD float64, err error) {
	if kPeriod <= 0 || kSmooth <= 0 || dPeriod <= 0 {
		return 0, 0, ErrInsufficientData
	}
	if len(candles) < kPeriod+kSmooth+dPeriod-2 {
		return 0, 0, ErrInsufficientData
	}

	rawK := make([]float64, 0, len(candles)-kPeriod+1)
	for i := kPeriod - 1; i < len(candles); i++ {
		lowMin := math.Inf(1)
		highMax := math.Inf(-1)
		for j := i - kPeriod + 1; j <= i; j++ {
			if candles[j].Low < lowMin {
				lowMin = candles[j].Low
			}
			if candles[j].High > highMax {
				highMax = candles[j].High
			}
		}
		span := highMax - lowMin
		if span == 0 {
			rawK = append(rawK, math.NaN())
			continue
		}
		rawK = append(rawK, 100*(candles[i].Close-lowMin)/span)
	}

	kSeries := rollingMean(rawK, kSmooth)
	dSeries := rollingMean(kSeries, dPeriod)
	if len(dSeries) == 0 || len(kSeries) < dPeriod {
		return 0, 0, ErrInsufficientData
	}
	slowK = kSeries[len(kSeries)-1]
	slowD = dSeries[len(dSeries)-1]
	if math.IsNaN(slowK) || math.IsNaN(slowD) {
		return 0, 0, ErrInsufficientData
	}
	return slowK, slowD, nil
}

// rollingMean returns the window-sized trailing mean of xs. NaN inputs poison
// the windows they fall in, so undefined raw values stay undefined.
func rollingMean(xs []float64, window int) []float64 {
	if len(xs) < window {
		return nil
	}
	out := make([]float64, 0, len(xs)-window+1)
	for i := window - 1; i < len(xs); i++ {
		var sum float64
		for j := i - window + 1; j <= i; j++ {
			sum += xs[j]
		}
		out = append(out, sum/float64(window))
	}
	return out
}
