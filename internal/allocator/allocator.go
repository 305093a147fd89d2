// Package allocator distributes available balance across instruments that
// currently hold no position. It is pure: no I/O, no clock, no state.
package allocator

// Slot is one instrument's capacity unit: empty while flat, occupied while
// a position is open.
type Slot struct {
	Instrument string
	Weight     float64
	Occupied   bool
}

// Params tune the allocation.
type Params struct {
	// FeeSafetyMargin is the fraction of available balance reserved for
	// fees, e.g. 0.005 keeps 0.5% back.
	FeeSafetyMargin float64
	// MinOrderValue is the venue's minimum notional; allocations below it
	// become zero rather than being rounded up.
	MinOrderValue float64
}

// Allocate computes the target investment per instrument. Empty slots split
// usable balance by weight; each allocation is additionally capped at
// totalEquity*weight/100 so stale balance estimates cannot over-concentrate
// a single instrument. Occupied slots always get zero.
func Allocate(available, totalEquity float64, slots []Slot, p Params) map[string]float64 {
	out := make(map[string]float64, len(slots))
	var emptyWeight float64
	for _, s := range slots {
		out[s.Instrument] = 0
		if !s.Occupied && s.Weight > 0 {
			emptyWeight += s.Weight
		}
	}
	if emptyWeight <= 0 || available <= 0 {
		return out
	}

	usable := available * (1 - p.FeeSafetyMargin)
	for _, s := range slots {
		if s.Occupied || s.Weight <= 0 {
			continue
		}
		byBalance := usable * (s.Weight / emptyWeight)
		byEquityCap := totalEquity * (s.Weight / 100)
		alloc := byBalance
		if byEquityCap < alloc {
			alloc = byEquityCap
		}
		if alloc < p.MinOrderValue {
			alloc = 0
		}
		out[s.Instrument] = alloc
	}
	return out
}
