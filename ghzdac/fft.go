package ghzdac

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// finalLength is the number of points per GHz of sample rate used when
// transforming calibration traces.  It sets the frequency resolution of the
// stored corrections to 1/finalLength GHz.
const finalLength = 10240

// rfft is the forward real FFT of x, zero padded or truncated to n points.
// It returns n/2+1 coefficients.
func rfft(x []float64, n int) []complex128 {
	seq := make([]float64, n)
	copy(seq, x)
	return fourier.NewFFT(n).Coefficients(nil, seq)
}

// irfft is the normalized inverse of rfft.  The imaginary parts of the DC and
// (for even n) Nyquist coefficients are ignored.
func irfft(coeff []complex128, n int) []float64 {
	c := make([]complex128, n/2+1)
	copy(c, coeff)
	c[0] = complex(real(c[0]), 0)
	if n%2 == 0 {
		c[n/2] = complex(real(c[n/2]), 0)
	}
	out := fourier.NewFFT(n).Sequence(nil, c)
	scale := 1 / float64(n)
	for i := range out {
		out[i] *= scale
	}
	return out
}

// cfft is the forward complex FFT of x, zero padded or truncated to n points
func cfft(x []complex128, n int) []complex128 {
	seq := make([]complex128, n)
	copy(seq, x)
	return fourier.NewCmplxFFT(n).Coefficients(nil, seq)
}

// icfft is the normalized inverse of cfft
func icfft(coeff []complex128) []complex128 {
	n := len(coeff)
	out := fourier.NewCmplxFFT(n).Sequence(nil, coeff)
	scale := complex(1/float64(n), 0)
	for i := range out {
		out[i] *= scale
	}
	return out
}
