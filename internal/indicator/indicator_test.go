package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

func candlesFrom(bars [][3]float64) []market.Candle {
	out := make([]market.Candle, len(bars))
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, b := range bars {
		out[i] = market.Candle{
			Ts:    ts.Add(time.Duration(i) * 24 * time.Hour),
			Open:  b[2],
			High:  b[0],
			Low:   b[1],
			Close: b[2],
		}
	}
	return out
}

func TestMovingAverageSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6}
	ma, err := MovingAverage(closes, 4, SMA)
	if err != nil {
		t.Fatalf("MovingAverage returned error: %v", err)
	}
	if math.Abs(ma-4.5) > 1e-9 {
		t.Fatalf("expected SMA 4.5, got %.4f", ma)
	}
}

func TestMovingAverageEMA(t *testing.T) {
	closes := []float64{10, 10, 10, 20}
	ma, err := MovingAverage(closes, 3, EMA)
	if err != nil {
		t.Fatalf("MovingAverage returned error: %v", err)
	}
	// seed 10, then 10 and 20 with alpha 0.5: 10 -> 10 -> 15
	if math.Abs(ma-15) > 1e-9 {
		t.Fatalf("expected EMA 15, got %.4f", ma)
	}
}

func TestMovingAverageInsufficient(t *testing.T) {
	if _, err := MovingAverage([]float64{1, 2}, 3, SMA); err != ErrInsufficientData {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestStochasticKnownSeries(t *testing.T) {
	// Monotonic rise: close always at the window high, so raw %K is 100
	// everywhere and both smoothed lines sit at 100.
	bars := make([][3]float64, 12)
	for i := range bars {
		px := float64(10 + i)
		bars[i] = [3]float64{px + 1, px - 1, px + 1}
	}
	k, d, err := Stochastic(candlesFrom(bars), 5, 3, 3)
	if err != nil {
		t.Fatalf("Stochastic returned error: %v", err)
	}
	if math.Abs(k-100) > 1e-9 || math.Abs(d-100) > 1e-9 {
		t.Fatalf("expected K/D at 100, got %.2f/%.2f", k, d)
	}
}

func TestStochasticFlatWindowIsUndefined(t *testing.T) {
	// Every bar identical: high == low in every window. Must report
	// insufficient data, never a divide-by-zero value.
	bars := make([][3]float64, 20)
	for i := range bars {
		bars[i] = [3]float64{50, 50, 50}
	}
	if _, _, err := Stochastic(candlesFrom(bars), 5, 3, 3); err != ErrInsufficientData {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestStochasticShortHistory(t *testing.T) {
	bars := [][3]float64{{11, 9, 10}, {12, 10, 11}}
	if _, _, err := Stochastic(candlesFrom(bars), 5, 3, 3); err != ErrInsufficientData {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestStochasticBearishBelowMidpoint(t *testing.T) {
	// Decline into the lows keeps %K small and slowK under slowD.
	bars := make([][3]float64, 14)
	for i := range bars {
		px := float64(40 - i)
		bars[i] = [3]float64{px + 2, px - 2, px - 1}
	}
	k, d, err := Stochastic(candlesFrom(bars), 5, 3, 3)
	if err != nil {
		t.Fatalf("Stochastic returned error: %v", err)
	}
	if k > 50 {
		t.Fatalf("expected depressed slowK, got %.2f", k)
	}
	if d < k {
		t.Fatalf("expected slowD above slowK in a downtrend, got K=%.2f D=%.2f", k, d)
	}
}
