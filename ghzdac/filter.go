package ghzdac

import (
	"fmt"
	"math"
	"strings"
)

// Shape is the shape of a low-pass filter
type Shape int

const (
	// Cosine is flat up to the cutoff and rolls off to zero at Nyquist like a quarter cosine
	Cosine Shape = iota

	// Gaussian is a gaussian with its -3 dB point at the cutoff
	Gaussian

	// Flat does no filtering
	Flat
)

// String returns the name ParseShape accepts
func (s Shape) String() string {
	switch s {
	case Cosine:
		return "cosine"
	case Gaussian:
		return "gaussian"
	case Flat:
		return "flat"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (s Shape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Shape) UnmarshalText(b []byte) error {
	sh, err := ParseShape(string(b))
	if err != nil {
		return err
	}
	*s = sh
	return nil
}

// ParseShape converts a filter name to a Shape
func ParseShape(name string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cosine", "cos":
		return Cosine, nil
	case "gaussian", "gauss":
		return Gaussian, nil
	case "flat", "none", "":
		return Flat, nil
	}
	return 0, &ConfigurationError{Option: "filter shape", Value: name, Reason: "must be cosine, gaussian or flat"}
}

// MinBandwidth is the narrowest filter NewKernel builds, 500 kHz at 1 GS/s.
// Its time domain kernel has 8001 taps.
const MinBandwidth = 1e-3

// Kernel is an immutable low-pass filter.  Bandwidth is the cutoff as a
// fraction of the Nyquist frequency; a bandwidth of 1 or more does no filtering.
//
// Frequencies are expressed in units of the sample rate, so Nyquist is 0.5.
// At the 1 GS/s of the GHz DACs a bandwidth of 0.8 is a 400 MHz cutoff.
type Kernel struct {
	shape     Shape
	bandwidth float64
}

// NewKernel validates and returns a Kernel
func NewKernel(shape Shape, bandwidth float64) (Kernel, error) {
	switch shape {
	case Cosine, Gaussian, Flat:
	default:
		return Kernel{}, &ConfigurationError{Option: "filter shape", Value: int(shape), Reason: "unknown shape"}
	}
	if math.IsNaN(bandwidth) || math.IsInf(bandwidth, 0) || bandwidth <= 0 {
		return Kernel{}, &ConfigurationError{Option: "bandwidth", Value: bandwidth, Reason: "must be a finite fraction of Nyquist above zero"}
	}
	if bandwidth < MinBandwidth && shape != Flat {
		return Kernel{}, &ConfigurationError{Option: "bandwidth", Value: bandwidth, Reason: fmt.Sprintf("must be at least %g of Nyquist", MinBandwidth)}
	}
	return Kernel{shape: shape, bandwidth: bandwidth}, nil
}

// FlatKernel is the kernel which does no filtering
func FlatKernel() Kernel {
	return Kernel{shape: Flat, bandwidth: 1}
}

// Shape returns the shape of the kernel
func (k Kernel) Shape() Shape { return k.shape }

// Bandwidth returns the cutoff as a fraction of Nyquist
func (k Kernel) Bandwidth() float64 { return k.bandwidth }

// IsIdentity is true when the kernel does no filtering
func (k Kernel) IsIdentity() bool {
	return k.shape == Flat || k.bandwidth >= 1 || k.bandwidth == 0
}

// cutoff in units of the sample rate
func (k Kernel) cutoff() float64 {
	return 0.5 * k.bandwidth
}

// gain returns the transfer function at frequency f (units of the sample
// rate, 0 <= f <= 0.5)
func (k Kernel) gain(f float64) float64 {
	if k.IsIdentity() {
		return 1
	}
	w := k.cutoff()
	switch k.shape {
	case Cosine:
		if f < w {
			return 1
		}
		return 0.5 + 0.5*math.Cos(math.Pi*(f-w)/(0.5-w))
	case Gaussian:
		x := math.Sqrt(math.Ln2/2) / w
		return math.Exp(-(f * x) * (f * x))
	}
	return 1
}

// Response returns the transfer function sampled at the n/2+1 non-negative
// frequencies of an n point real FFT.  Element 0 is always 1.
func (k Kernel) Response(n int) []float64 {
	nr := n/2 + 1
	out := make([]float64, nr)
	for i := range out {
		out[i] = k.gain(float64(i) / float64(n))
	}
	return out
}

// Len is the number of taps of the time domain kernel.  It is odd, and grows
// as the bandwidth narrows.
func (k Kernel) Len() int {
	if k.IsIdentity() {
		return 1
	}
	return 2*int(math.Ceil(4/k.bandwidth)) + 1
}

// Taps returns the zero-phase time domain kernel, centred on element Len()/2.
// The taps sum to one so that convolution preserves the mean of a signal.
func (k Kernel) Taps() []float64 {
	l := k.Len()
	if l == 1 {
		return []float64{1}
	}
	// the inverse transform of the real, even response is the zero-phase
	// kernel with its centre at element 0
	resp := k.Response(l)
	spec := make([]complex128, len(resp))
	for i, g := range resp {
		spec[i] = complex(g, 0)
	}
	wrapped := irfft(spec, l)
	c := l / 2
	taps := make([]float64, l)
	sum := 0.
	for m := range taps {
		taps[m] = wrapped[(m-c+l)%l]
		sum += taps[m]
	}
	for m := range taps {
		taps[m] /= sum
	}
	return taps
}

// Convolve returns x convolved with the taps, keeping the length of x.
// Samples beyond the ends of x are taken to equal the end values.
func (k Kernel) Convolve(x []float64) []float64 {
	taps := k.Taps()
	out := make([]float64, len(x))
	if len(taps) == 1 {
		copy(out, x)
		return out
	}
	c := len(taps) / 2
	n := len(x)
	for i := range out {
		acc := 0.
		for j, t := range taps {
			idx := i + c - j
			if idx < 0 {
				idx = 0
			} else if idx >= n {
				idx = n - 1
			}
			acc += t * x[idx]
		}
		out[i] = acc
	}
	return out
}
