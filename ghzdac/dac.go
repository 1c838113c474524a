package ghzdac

import (
	"math"
	"math/cmplx"

	"github.com/ghzlab/dacal/calstore"
	"github.com/ghzlab/dacal/mathx"
	"github.com/pkg/errors"
)

type settlingTerm struct {
	rate, amp float64
}

// DACCorrection corrects signals for a single, non-IQ DAC channel.
//
// Like IQCorrection it is read-only once built.  WithSettling and WithFilter
// return modified copies.
type DACCorrection struct {
	board          string
	channel        Channel
	lowpass        Kernel
	dynamicReserve float64
	zero           float64

	corrections [][]complex128
	settling    []settlingTerm

	handle  *calstore.Handle
	missing bool
}

// NewDACCorrection returns a corrector with no calibration loaded.  Until
// one is loaded, or settling is added, it passes signals through unchanged.
func NewDACCorrection(board string, ch Channel, lowpass Kernel) *DACCorrection {
	return &DACCorrection{
		board:          board,
		channel:        ch,
		lowpass:        lowpass,
		dynamicReserve: DefaultDynamicReserve,
	}
}

// Board returns the name of the board the corrector was built for
func (c *DACCorrection) Board() string { return c.board }

// Channel returns the DAC channel the corrector was built for
func (c *DACCorrection) Channel() Channel { return c.channel }

// Filter returns the low-pass kernel
func (c *DACCorrection) Filter() Kernel { return c.lowpass }

// Zero returns the DAC value added to every sample
func (c *DACCorrection) Zero() float64 { return c.zero }

// Loaded returns the dataset the correction was built from, if any
func (c *DACCorrection) Loaded() (calstore.Handle, bool) {
	if c.handle == nil {
		return calstore.Handle{}, false
	}
	return *c.handle, true
}

// Missing is true if the calibration was requested but not found
func (c *DACCorrection) Missing() bool { return c.missing }

// LoadCal adds a calibration from a measured response.  rows are time (ns)
// and response.  If impulse is false the response is to a step and is
// differenced over 1 ns to obtain the impulse response.
//
// The correction is normalized to unity gain at DC.
func (c *DACCorrection) LoadCal(rows [][]float64, impulse bool, h calstore.Handle) error {
	typ := c.channel.CalType()
	if len(rows) < 2 || len(rows[0]) < 2 {
		return formatErr(c.board, typ, h.Name, "need at least two rows of 2 columns")
	}
	dt := rows[1][0] - rows[0][0]
	if !(dt > 0) {
		return formatErr(c.board, typ, h.Name, "time axis must increase")
	}
	rate := int(math.Round(1 / dt))
	if rate < 1 {
		return formatErr(c.board, typ, h.Name, "sample spacing of %g ns is too coarse", dt)
	}
	d := make([]float64, len(rows))
	for i, r := range rows {
		if len(r) < 2 {
			return formatErr(c.board, typ, h.Name, "row %d has %d columns", i, len(r))
		}
		d[i] = r[1]
	}
	if !impulse {
		if len(d) <= rate {
			return formatErr(c.board, typ, h.Name, "step response shorter than 1 ns")
		}
		imp := make([]float64, len(d)-rate)
		for i := range imp {
			imp[i] = d[i+rate] - d[i]
		}
		d = imp
	}
	n := finalLength * rate
	spec := rfft(d, n)
	dc := cmplx.Abs(spec[0])
	if dc == 0 {
		return formatErr(c.board, typ, h.Name, "response has no DC component")
	}
	maxMag := 3 * c.dynamicReserve
	corr := make([]complex128, finalLength/2+1)
	for k := range corr {
		if spec[k] == 0 {
			corr[k] = complex(maxMag, 0)
			continue
		}
		v := complex(dc, 0) / spec[k]
		if m := cmplx.Abs(v); m > maxMag {
			v *= complex(maxMag/m, 0)
		}
		corr[k] = v
	}
	c.corrections = append(c.corrections, corr)
	c.handle = &h
	return nil
}

func (c *DACCorrection) clone() *DACCorrection {
	cp := *c
	cp.corrections = append([][]complex128(nil), c.corrections...)
	cp.settling = append([]settlingTerm(nil), c.settling...)
	return &cp
}

// WithSettling returns a copy of c that also corrects slow exponential
// settling.  The response to a step is taken to be
//
//	1 + sum_i amps[i] * exp(-rates[i] * t)
//
// with rates in GHz.  Previous settling terms are replaced; pass no rates to
// remove them.
func (c *DACCorrection) WithSettling(rates, amps []float64) (*DACCorrection, error) {
	if len(rates) != len(amps) {
		return nil, &ConfigurationError{Option: "settling", Value: len(amps), Reason: "need one amplitude per rate"}
	}
	cp := c.clone()
	cp.settling = cp.settling[:0]
	for i, r := range rates {
		if !(r > 0) || math.IsInf(r, 0) {
			return nil, &ConfigurationError{Option: "settling rate", Value: r, Reason: "must be positive"}
		}
		cp.settling = append(cp.settling, settlingTerm{rate: r, amp: amps[i]})
	}
	return cp, nil
}

// WithFilter returns a copy of c that uses another low-pass kernel
func (c *DACCorrection) WithFilter(k Kernel) *DACCorrection {
	cp := c.clone()
	cp.lowpass = k
	return cp
}

// settlingGain returns the correction for the settling terms at f (GHz)
func (c *DACCorrection) settlingGain(f float64) complex128 {
	if len(c.settling) == 0 {
		return 1
	}
	h := complex(1, 0)
	s := complex(0, 2*math.Pi*f)
	for _, t := range c.settling {
		h += complex(t.amp, 0) * s / (complex(t.rate, 0) + s)
	}
	if h == 0 {
		return 1
	}
	return 1 / h
}

// deconvEnabled is true when there is a response to correct.  The low-pass
// filter belongs to the deconvolution and is skipped with it.
func (c *DACCorrection) deconvEnabled(opts Options) bool {
	return !opts.SkipDeconv && (len(c.corrections) > 0 || len(c.settling) > 0)
}

// correctFT applies every correction to the nfft/2+1 point spectrum of a
// real signal and returns the nfft point result.
func (c *DACCorrection) correctFT(spec []complex128, nfft int, t0 float64, opts Options) []float64 {
	nr := nfft/2 + 1
	s := make([]complex128, nr)
	copy(s, spec)
	deconv := c.deconvEnabled(opts)
	var lp []float64
	if deconv {
		lp = c.lowpass.Response(nfft)
	}
	for k := range s {
		if t0 != 0 {
			s[k] *= cmplx.Exp(complex(0, 2*math.Pi*t0*float64(k)/float64(nfft)))
		}
		if !deconv {
			continue
		}
		for _, corr := range c.corrections {
			x := float64(k) * 2 * float64(len(corr)-1) / float64(nfft)
			s[k] *= mathx.InterpComplex(corr, x, true)
		}
		s[k] *= c.settlingGain(float64(k) / float64(nfft)) * complex(lp[k], 0)
	}
	return irfft(s, nfft)
}

// Correct returns the corrected waveform, with amplitude 1 still meaning the
// nominal full scale.  sig is sampled at 1 GS/s.  Without a calibration the
// signal is returned as it is.
//
// Unless opts.Loop is set the signal is padded with the mean of its first
// and last sample, so a signal that starts and ends at the same level does
// not ring at its ends.
func (c *DACCorrection) Correct(sig []float64, opts Options) []float64 {
	n := len(sig)
	if n == 0 || !c.deconvEnabled(opts) {
		return append([]float64{}, sig...)
	}
	nfft := n
	if !opts.Loop {
		nfft = mathx.FastFFTLen(n)
	}
	bg := 0.5 * (sig[0] + sig[n-1])
	shifted := make([]float64, n)
	for i, v := range sig {
		shifted[i] = v - bg
	}
	spec := rfft(shifted, nfft)
	spec[0] += complex(float64(nfft)*bg, 0)
	return c.correctFT(spec, nfft, 0, opts)[:n]
}

// CorrectFT is Correct for a real signal given by the n/2+1 coefficients of
// its n point FFT, n = 2*(len(spec)-1).  t0 (ns) shifts the time axis of the
// output.
func (c *DACCorrection) CorrectFT(spec []complex128, t0 float64, opts Options) ([]float64, error) {
	if len(spec) < 2 {
		return nil, &ConfigurationError{Option: "spectrum length", Value: len(spec), Reason: "need at least 2 frequencies"}
	}
	return c.correctFT(spec, 2*(len(spec)-1), t0, opts), nil
}

// DACify corrects sig and converts it to DAC values
func (c *DACCorrection) DACify(sig []float64, opts Options) Samples {
	return c.quantize(c.Correct(sig, opts), opts)
}

// DACifyFT is DACify for a signal given by its spectrum, see CorrectFT
func (c *DACCorrection) DACifyFT(spec []complex128, t0 float64, opts Options) (Samples, error) {
	x, err := c.CorrectFT(spec, t0, opts)
	if err != nil {
		return Samples{}, errors.Wrap(err, "DACifyFT")
	}
	return c.quantize(x, opts), nil
}

func (c *DACCorrection) quantize(x []float64, opts Options) Samples {
	zero := c.zero
	if opts.SkipZero {
		zero = 0
	}
	fullscale := DACMax / c.dynamicReserve
	rescale := 1.
	if opts.Rescale {
		rescale = rescaleFactor(x, zero, fullscale)
	}
	out := Samples{Rescale: rescale}
	out.Values, out.Clipped = quantize(x, zero, fullscale*rescale, !opts.NoClip || opts.Rescale)
	logClipping(c.board, c.channel.String(), out.Clipped)
	return out
}
