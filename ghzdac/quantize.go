package ghzdac

import (
	"math"

	"github.com/ghzlab/dacal/mathx"
	"gonum.org/v1/gonum/floats"
)

const (
	// DACMax is the largest value a 14 bit DAC accepts
	DACMax = 0x1FFF

	// DACMin is the smallest value a 14 bit DAC accepts
	DACMin = -0x2000

	// DefaultDynamicReserve is the ratio of the DAC range to the full scale
	// of an uncorrected input of amplitude 1.  The headroom is what the
	// deconvolution eats into.
	DefaultDynamicReserve = 2.0
)

// Options alter a single correction call.  The zero value performs every
// correction that is loaded and clamps to the DAC range.
type Options struct {
	// Loop does the FFT on exactly the length of the input.  Use it for
	// periodic signals that are non-zero at the borders, e.g. a continuous
	// sine.  Otherwise the input is padded to a length for which the FFT is fast.
	Loop bool

	// Rescale shrinks the output to fit the DAC range instead of clamping
	Rescale bool

	// SkipZero disables the DAC zero correction
	SkipZero bool

	// SkipDeconv disables the deconvolution of the pulse response
	SkipDeconv bool

	// SkipIQ disables the IQ mixer sideband correction
	SkipIQ bool

	// NoClip leaves out of range values in place.  It has no effect when
	// Rescale is set.
	NoClip bool
}

// Samples is the output of a single channel correction
type Samples struct {
	Values []int32

	// Rescale is the factor the signal was scaled by to fit the DAC range,
	// 1 unless Options.Rescale was set
	Rescale float64

	// Clipped is the number of samples that were clamped to the DAC range
	Clipped int
}

// IQSamples is the output of an IQ correction
type IQSamples struct {
	I []int32
	Q []int32

	// Rescale is the factor the signal was scaled by to fit the DAC range,
	// 1 unless Options.Rescale was set
	Rescale float64

	// Clipped is the number of samples, over both channels, that were
	// clamped to the DAC range
	Clipped int
}

// rescaleFactor returns the largest factor <= 1 that keeps sig*fullscale+zero
// inside the DAC range
func rescaleFactor(sig []float64, zero, fullscale float64) float64 {
	f := 1.
	if len(sig) == 0 {
		return f
	}
	if mx := floats.Max(sig); mx > 0 {
		f = math.Min(f, (DACMax-zero)/fullscale/mx)
	}
	if mn := floats.Min(sig); mn < 0 {
		f = math.Min(f, (DACMin-zero)/fullscale/mn)
	}
	return f
}

// quantize converts sig to DAC values, returning the number of clamped samples
func quantize(sig []float64, zero, fullscale float64, clip bool) ([]int32, int) {
	out := make([]int32, len(sig))
	clipped := 0
	for i, v := range sig {
		x := math.Round(v*fullscale + zero)
		if x > DACMax || x < DACMin {
			if clip {
				clipped++
				x = mathx.Clamp(x, DACMin, DACMax)
			} else {
				x = mathx.Clamp(x, math.MinInt32, math.MaxInt32)
			}
		}
		out[i] = int32(x)
	}
	return out, clipped
}

func logClipping(board, what string, n int) {
	if n == 0 {
		return
	}
	logger.WithField("board", board).WithField("samples", n).
		Warnf("corrected %s signal beyond DAC range, clipping", what)
}
