package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundToTick snaps price to the nearest multiple of tickSize, rounding
// toward zero so orders never price through the intended level.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(tickSize)
	snapped := p.Div(tick).Truncate(0).Mul(tick)
	f, _ := snapped.Float64()
	return f
}

// FormatPrice renders price with exactly the precision tickSize implies.
// Venues reject prices with more decimals than the instrument allows.
func FormatPrice(price, tickSize float64) string {
	if tickSize <= 0 {
		return decimal.NewFromFloat(price).String()
	}
	exp := decimal.NewFromFloat(tickSize).Exponent()
	places := int32(0)
	if exp < 0 {
		places = -exp
	}
	return decimal.NewFromFloat(price).StringFixed(places)
}

// FormatQty renders qty truncated to stepSize precision.
func FormatQty(qty, stepSize float64) string {
	if stepSize <= 0 {
		return decimal.NewFromFloat(qty).String()
	}
	step := decimal.NewFromFloat(stepSize)
	q := decimal.NewFromFloat(qty)
	snapped := q.Div(step).Truncate(0).Mul(step)
	exp := step.Exponent()
	places := int32(0)
	if exp < 0 {
		places = -exp
	}
	return snapped.StringFixed(places)
}

// parseFloat converts a venue decimal string, erroring on empty input.
func parseFloat(s, field string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty %s", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	f, _ := d.Float64()
	return f, nil
}
