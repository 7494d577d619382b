package feecurve

import (
	"math"

	"github.com/holiman/uint256"
)

// Curve is an ordered, non-empty sequence of FeeEntry forming a
// piecewise-linear reward schedule. The last entry is the terminator; it is
// typically (but not required to be) a kill entry whose Amount is
// MaxUint256.
type Curve []FeeEntry

// WhenValid returns the time at which the curve's first entry pays out, or
// math.MaxUint64 if the curve is empty or the first entry is already the
// kill sentinel.
func (c Curve) WhenValid() uint64 {
	if len(c) == 0 {
		return math.MaxUint64
	}
	if IsKillFee(c[0].Amount) {
		return math.MaxUint64
	}
	return c[0].Time
}

// WhenExpires returns the time of the first kill-sentinel entry, or
// math.MaxUint64 if the curve never expires.
func (c Curve) WhenExpires() uint64 {
	for _, e := range c {
		if IsKillFee(e.Amount) {
			return e.Time
		}
	}
	return math.MaxUint64
}

// WhenIsFeeAtLeast returns the earliest time at which the curve's fee is at
// least target, linearly interpolating between the bracketing entries when
// the threshold falls strictly between two points. It reports ok=false if no
// entry on the curve ever reaches target.
//
// WhenIsFeeAtLeast is monotone in target: a larger target never yields an
// earlier time.
func (c Curve) WhenIsFeeAtLeast(target *uint256.Int) (t uint64, ok bool) {
	for i, e := range c {
		if e.Amount.Lt(target) {
			continue
		}
		if i == 0 {
			return e.Time, true
		}

		prev := c[i-1]

		feeDiff := new(uint256.Int).Sub(e.Amount, prev.Amount)
		timeDiff := e.Time - prev.Time
		feeProgress := new(uint256.Int).Sub(target, prev.Amount)

		// interpolated = prev.Time + feeProgress * timeDiff / feeDiff
		// feeDiff == 0 only on a flat segment; Div follows EVM semantics and
		// yields 0, so interpolated collapses to prev.Time.
		num := new(uint256.Int).Mul(feeProgress, uint256.NewInt(timeDiff))
		quotient := new(uint256.Int).Div(num, feeDiff)

		narrowed := quotient.Uint64()
		if !quotient.IsUint64() {
			narrowed = math.MaxUint64
		}

		interpolated := prev.Time + narrowed
		if interpolated < prev.Time {
			interpolated = math.MaxUint64 // saturate on wrap
		}
		return interpolated, true
	}
	return 0, false
}
