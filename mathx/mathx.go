// Package mathx provides small numeric helpers used by the correction pipeline.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Clamp limits x to lo <= x <= hi
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ClampInt limits x to lo <= x <= hi
func ClampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// interpIndex returns the left index and fractional weight for
// interpolation at x in a signal of length n >= 2
func interpIndex(n int, x float64, extrapolate bool) (int, float64) {
	i := ClampInt(int(math.Floor(x)), 0, n-2)
	p := x - float64(i)
	if !extrapolate {
		p = Clamp(p, 0, 1)
	}
	return i, p
}

// Interp linearly interpolates signal at the floating point index x.
// If x is beyond the range either the first or last element is returned.
// If extrapolate is true, the first/last segment is extended instead.
func Interp(signal []float64, x float64, extrapolate bool) float64 {
	if len(signal) == 1 {
		return signal[0]
	}
	i, p := interpIndex(len(signal), x, extrapolate)
	return signal[i]*(1-p) + signal[i+1]*p
}

// InterpComplex is Interp for complex signals
func InterpComplex(signal []complex128, x float64, extrapolate bool) complex128 {
	if len(signal) == 1 {
		return signal[0]
	}
	i, p := interpIndex(len(signal), x, extrapolate)
	return signal[i]*complex(1-p, 0) + signal[i+1]*complex(p, 0)
}

// Linspace returns n evenly spaced values from start to stop.  If endpoint
// is false, stop is excluded and the spacing is (stop-start)/n.
func Linspace(start, stop float64, n int, endpoint bool) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	div := float64(n)
	if endpoint {
		if n == 1 {
			out[0] = start
			return out
		}
		div = float64(n - 1)
	}
	step := (stop - start) / div
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// FastFFTLen computes the smallest number >= n that factors into 2, 3 and 5.
// FFTs are fastest for such sizes.
func FastFFTLen(n int) int {
	if n <= 1 {
		return 1
	}
	best := math.MaxInt64
	for p5 := 1; p5 < best; p5 *= 5 {
		for p35 := p5; p35 < best; p35 *= 3 {
			m := p35
			for m < n {
				m *= 2
			}
			if m < best {
				best = m
			}
			if p35 >= n {
				break
			}
		}
		if p5 >= n {
			break
		}
	}
	return best
}
