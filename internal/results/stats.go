package results

import "math"

// z95 is the two-sided 95% normal quantile used for Wilson intervals.
const z95 = 1.959964

// WilsonInterval computes the two-sided 95% Wilson score interval for k
// successes in n trials. Returns (0, 0, false) when n is zero.
func WilsonInterval(k, n int64) (lower, upper float64, ok bool) {
	if n <= 0 {
		return 0, 0, false
	}
	var (
		fn     = float64(n)
		p      = float64(k) / fn
		z2     = z95 * z95
		denom  = 1 + z2/fn
		center = (p + z2/(2*fn)) / denom
		margin = z95 * math.Sqrt(p*(1-p)/fn+z2/(4*fn*fn)) / denom
	)
	lower = math.Max(0, center-margin)
	upper = math.Min(1, center+margin)
	return lower, upper, true
}

// Lift is the relative difference of value against the control's value.
// Returns false when the control value is zero.
func Lift(value, control float64) (float64, bool) {
	if control == 0 {
		return 0, false
	}
	return (value - control) / control, true
}
