package ghzdac

import (
	"math"
	"math/cmplx"

	"github.com/ghzlab/dacal/calstore"
	"github.com/ghzlab/dacal/mathx"
	"github.com/pkg/errors"
)

type zeroTable struct {
	start, step float64
	a, b        []float64
}

type sidebandTable struct {
	start, step float64 // carrier axis
	sbStep      float64 // sideband frequency axis
	rows        [][]complex128
}

// IQCorrection corrects signals for a board whose two DACs drive an IQ mixer.
//
// It is built with NewIQCorrection and the Load*Cal methods, or more often
// with LoadIQ / DialIQ.  Once built it is read-only and may be used from
// multiple goroutines.
type IQCorrection struct {
	board          string
	lowpass        Kernel
	dynamicReserve float64
	iIsB           bool

	zero     *zeroTable
	pulseI   []complex128
	pulseQ   []complex128
	sideband *sidebandTable

	requested []CalType
	loaded    map[CalType]calstore.Handle
	missing   []CalType
}

// NewIQCorrection returns a corrector with no calibration loaded.  It passes
// signals through, filtered by lowpass only when a pulse calibration is loaded.
func NewIQCorrection(board string, lowpass Kernel) *IQCorrection {
	return &IQCorrection{
		board:          board,
		lowpass:        lowpass,
		dynamicReserve: DefaultDynamicReserve,
		loaded:         make(map[CalType]calstore.Handle),
	}
}

// Board returns the name of the board the corrector was built for
func (c *IQCorrection) Board() string { return c.board }

// Filter returns the low-pass kernel applied with the deconvolution
func (c *IQCorrection) Filter() Kernel { return c.lowpass }

// IisB is true if DAC B drives the I port of the mixer.  It is taken from
// the pulse calibration and determines the SRAM packing.
func (c *IQCorrection) IisB() bool { return c.iIsB }

// Loaded returns the datasets the corrector was built from, by type
func (c *IQCorrection) Loaded() map[CalType]calstore.Handle {
	out := make(map[CalType]calstore.Handle, len(c.loaded))
	for k, v := range c.loaded {
		out[k] = v
	}
	return out
}

// Missing lists the calibration types that were requested but not found.
// Those stages are identity.
func (c *IQCorrection) Missing() []CalType {
	return append([]CalType(nil), c.missing...)
}

// LoadZeroCal sets the DAC zero table.  rows are carrier frequency (GHz) and
// the zero of DAC A and DAC B, at equally spaced carriers.
func (c *IQCorrection) LoadZeroCal(rows [][]float64, h calstore.Handle) error {
	if len(rows) == 0 || len(rows[0]) < 3 {
		return formatErr(c.board, Zero, h.Name, "need at least one row of 3 columns")
	}
	t := &zeroTable{start: rows[0][0], step: 1}
	if len(rows) > 1 {
		t.step = rows[1][0] - rows[0][0]
		if !(t.step > 0) {
			return formatErr(c.board, Zero, h.Name, "carrier frequencies must increase")
		}
	}
	t.a = make([]float64, len(rows))
	t.b = make([]float64, len(rows))
	for i, r := range rows {
		if len(r) < 3 {
			return formatErr(c.board, Zero, h.Name, "row %d has %d columns", i, len(r))
		}
		t.a[i], t.b[i] = r[1], r[2]
	}
	c.zero = t
	c.loaded[Zero] = h
	return nil
}

// LoadPulseCal sets the IQ impulse response.  rows are time (ns) and the
// responses of DAC A and DAC B, measured at the given carrier (GHz).  iIsB is
// set if DAC B drives the I port of the mixer.
func (c *IQCorrection) LoadPulseCal(rows [][]float64, carrier float64, iIsB bool, h calstore.Handle) error {
	if len(rows) < 2 || len(rows[0]) < 3 {
		return formatErr(c.board, Pulse, h.Name, "need at least two rows of 3 columns")
	}
	dt := rows[1][0] - rows[0][0]
	if !(dt > 0) {
		return formatErr(c.board, Pulse, h.Name, "time axis must increase")
	}
	rate := int(math.Round(1 / dt))
	if rate < 1 {
		return formatErr(c.board, Pulse, h.Name, "sample spacing of %g ns is too coarse", dt)
	}
	colI, colQ := 1, 2
	if iIsB {
		colI, colQ = 2, 1
	}
	traceI := make([]float64, len(rows))
	traceQ := make([]float64, len(rows))
	for k, r := range rows {
		if len(r) < 3 {
			return formatErr(c.board, Pulse, h.Name, "row %d has %d columns", k, len(r))
		}
		traceI[k], traceQ[k] = r[colI], r[colQ]
	}

	n := finalLength * rate
	ci := carrier * float64(n) / float64(rate)
	if math.Abs(ci-math.Round(ci)) > 1e-6 {
		logger.WithField("board", c.board).
			Warnf("carrier %g GHz is not a multiple of %g MHz, accuracy may suffer", carrier, 1e3/finalLength)
	}
	idx := int(math.Round(ci))
	if idx-finalLength/2 < 0 || idx+finalLength/2 > n/2 {
		return formatErr(c.board, Pulse, h.Name,
			"carrier %g GHz is too close to 0 or the Nyquist frequency of %g GHz", carrier, float64(rate)/2)
	}
	corrI, err := c.demodulate(rfft(traceI, n), idx)
	if err != nil {
		return formatErr(c.board, Pulse, h.Name, "I channel: %v", err)
	}
	corrQ, err := c.demodulate(rfft(traceQ, n), idx)
	if err != nil {
		return formatErr(c.board, Pulse, h.Name, "Q channel: %v", err)
	}
	c.pulseI, c.pulseQ = corrI, corrQ
	c.iIsB = iIsB
	c.loaded[Pulse] = h
	return nil
}

// demodulate folds the spectrum of a pulse response around the carrier
// index and inverts it, giving the correction at finalLength/2+1 baseband
// frequencies from 0 to 0.5 GHz
func (c *IQCorrection) demodulate(spec []complex128, carrier int) ([]complex128, error) {
	half := finalLength / 2
	low := make([]complex128, half+1)
	high := make([]complex128, half+1)
	var prod complex128
	for k := range low {
		low[k] = spec[carrier-k]
		high[k] = spec[carrier+k]
		prod += low[k] * high[k]
	}
	low0 := cmplx.Abs(low[0])
	if low0 == 0 {
		return nil, errors.New("no response at the carrier frequency")
	}
	// phase of the carrier
	phase := cmplx.Sqrt(prod)
	if a := cmplx.Abs(phase); a > 0 {
		phase /= complex(a, 0)
	} else {
		phase = 1
	}
	if real(cmplx.Conj(phase)*low[0]) < 0 {
		phase = -phase
	}
	maxMag := 3 * c.dynamicReserve
	corr := make([]complex128, half+1)
	for k := range corr {
		den := complex(0.5/low0, 0) * (cmplx.Conj(low[k]/phase) + high[k]/phase)
		if den == 0 {
			corr[k] = complex(maxMag, 0)
			continue
		}
		v := 1 / den
		// bound the gain, keeping the phase
		if m := cmplx.Abs(v); m > maxMag {
			v *= complex(maxMag/m, 0)
		}
		corr[k] = v
	}
	return corr, nil
}

// LoadSidebandCal sets the sideband table.  Each row is a carrier frequency
// (GHz) followed by real/imaginary pairs, one per sideband frequency.  The
// sideband frequencies are spaced by step (GHz) and centred on zero.
//
// If gain is true the pairs are the measured gain of the image sideband and a
// gain of 1+0i means no compensation.  Otherwise they are used as the
// compensation coefficient directly.
func (c *IQCorrection) LoadSidebandCal(rows [][]float64, step float64, gain bool, h calstore.Handle) error {
	if !(step > 0) {
		return formatErr(c.board, IQ, h.Name, "sideband frequency step must be positive, got %g", step)
	}
	if len(rows) == 0 || len(rows[0]) < 3 || len(rows[0])%2 == 0 {
		return formatErr(c.board, IQ, h.Name, "need a carrier column followed by real/imaginary pairs")
	}
	w := (len(rows[0]) - 1) / 2
	if 2*0.5*step*float64(w-1) >= 1 {
		return formatErr(c.board, IQ, h.Name, "%d sidebands of %g GHz exceed the sample rate", w, step)
	}
	t := &sidebandTable{start: rows[0][0], step: 1, sbStep: step, rows: make([][]complex128, len(rows))}
	if len(rows) > 1 {
		t.step = rows[1][0] - rows[0][0]
		if !(t.step > 0) {
			return formatErr(c.board, IQ, h.Name, "carrier frequencies must increase")
		}
	}
	for i, r := range rows {
		if len(r) != 2*w+1 {
			return formatErr(c.board, IQ, h.Name, "row %d has %d columns", i, len(r))
		}
		row := make([]complex128, w)
		for j := range row {
			row[j] = complex(r[1+2*j], r[2+2*j])
			if gain {
				row[j]--
			}
		}
		t.rows[i] = row
	}
	c.sideband = t
	c.loaded[IQ] = h
	return nil
}

// DACzeros returns the zero offsets of the I and Q DACs at a carrier
// frequency (GHz), interpolating the zero table and holding its ends.
func (c *IQCorrection) DACzeros(carrier float64) (i, q float64) {
	if c.zero == nil {
		return 0, 0
	}
	x := (carrier - c.zero.start) / c.zero.step
	a := mathx.Interp(c.zero.a, x, false)
	b := mathx.Interp(c.zero.b, x, false)
	if c.iIsB {
		return b, a
	}
	return a, b
}

// sidebandRow interpolates the table rows at a carrier
func (t *sidebandTable) row(carrier float64) []complex128 {
	x := (carrier - t.start) / t.step
	w := len(t.rows[0])
	out := make([]complex128, w)
	col := make([]complex128, len(t.rows))
	for j := range out {
		for i, r := range t.rows {
			col[i] = r[j]
		}
		out[j] = mathx.InterpComplex(col, x, false)
	}
	return out
}

// IQcompensation returns the sideband compensation coefficient for each of
// the n+1 frequencies of an n point FFT, the last one repeating the first.
// It is zero if no sideband calibration is loaded.
func (c *IQCorrection) IQcompensation(carrier float64, n int) []complex128 {
	out := make([]complex128, n+1)
	if c.sideband == nil {
		return out
	}
	row := c.sideband.row(carrier)
	step := c.sideband.sbStep
	w := len(row)
	maxfreq := 0.5 * step * float64(w-1)
	p := step / (1 - 2*maxfreq)
	pc := complex(p, 0)
	// wrap the table around the sample rate so frequencies beyond the
	// measured range blend the two ends
	ext := make([]complex128, w+2)
	copy(ext[1:], row)
	ext[0] = (1-pc)*row[0] + pc*row[w-1]
	ext[w+1] = (1-pc)*row[w-1] + pc*row[0]
	for k := 0; k < n; k++ {
		var f float64
		switch {
		case k == 0:
		case k <= n/2:
			f = float64(k) / float64(n)
		default:
			f = float64(k-n) / float64(n)
		}
		out[k] = mathx.InterpComplex(ext, (f+maxfreq+step)/step, true)
	}
	out[n] = out[0]
	return out
}

func (c *IQCorrection) deconvEnabled(n int, opts Options) bool {
	return c.pulseI != nil && !opts.SkipDeconv && n > 1
}

// deconvolve splits the complex spectrum of an IQ signal into the spectra
// of I and Q, applies the sideband, pulse and low-pass corrections, and
// returns the nfft point time domain result.
func (c *IQCorrection) deconvolve(carrier float64, spec []complex128, opts Options) ([]float64, []float64) {
	nfft := len(spec)
	sig := make([]complex128, nfft+1)
	copy(sig, spec)
	sig[nfft] = sig[0]
	if !opts.SkipIQ && c.sideband != nil {
		comp := c.IQcompensation(carrier, nfft)
		orig := append([]complex128(nil), sig...)
		for k := range sig {
			sig[k] += cmplx.Conj(orig[nfft-k]) * comp[k]
		}
	}
	nr := nfft/2 + 1
	ispec := make([]complex128, nr)
	qspec := make([]complex128, nr)
	lp := c.lowpass.Response(nfft)
	l := len(c.pulseI)
	for k := 0; k < nr; k++ {
		s, r := sig[k], cmplx.Conj(sig[nfft-k])
		ispec[k] = 0.5 * (s + r)
		qspec[k] = -0.5i * (s - r)
		x := float64(k) * 2 * float64(l-1) / float64(nfft)
		g := complex(lp[k], 0)
		ispec[k] *= mathx.InterpComplex(c.pulseI, x, true) * g
		qspec[k] *= mathx.InterpComplex(c.pulseQ, x, true) * g
	}
	return irfft(ispec, nfft), irfft(qspec, nfft)
}

// applyDC corrects the sideband with the coefficient at zero sideband
// frequency only; used when the signal is not deconvolved.
func (c *IQCorrection) applyDC(carrier float64, sig []complex128, opts Options) ([]float64, []float64) {
	var comp complex128
	if !opts.SkipIQ && c.sideband != nil {
		comp = c.IQcompensation(carrier, 1)[0]
	}
	i := make([]float64, len(sig))
	q := make([]float64, len(sig))
	for k, s := range sig {
		v := s + cmplx.Conj(s)*comp
		i[k], q[k] = real(v), imag(v)
	}
	return i, q
}

// Correct returns the corrected I and Q waveforms, with amplitude 1 still
// meaning the nominal full scale.  sig is sampled at 1 GS/s; the carrier is
// in GHz.  No DAC zero is added.
func (c *IQCorrection) Correct(carrier float64, sig []complex128, opts Options) (i, q []float64) {
	n := len(sig)
	if !c.deconvEnabled(n, opts) {
		return c.applyDC(carrier, sig, opts)
	}
	nfft := n
	if !opts.Loop {
		nfft = mathx.FastFFTLen(n)
	}
	i, q = c.deconvolve(carrier, cfft(sig, nfft), opts)
	return i[:n], q[:n]
}

// CorrectFT is Correct for a signal given by its nfft point complex
// spectrum, i.e. frequencies k/n for k <= n/2 and (k-n)/n above.  t0 (ns)
// shifts the time axis of the output.
func (c *IQCorrection) CorrectFT(carrier float64, spec []complex128, t0 float64, opts Options) (i, q []float64) {
	n := len(spec)
	s := append([]complex128(nil), spec...)
	if t0 != 0 {
		for k := range s {
			f := float64(k) / float64(n)
			if k > n/2 {
				f -= 1
			}
			s[k] *= cmplx.Exp(complex(0, 2*math.Pi*t0*f))
		}
	}
	if c.deconvEnabled(n, opts) {
		return c.deconvolve(carrier, s, opts)
	}
	if n == 0 {
		return []float64{}, []float64{}
	}
	return c.applyDC(carrier, icfft(s), opts)
}

// DACify corrects sig and converts it to DAC values, adding the zero
// offsets.  Values beyond the DAC range are clamped unless opts.Rescale
// or opts.NoClip is set.
func (c *IQCorrection) DACify(carrier float64, sig []complex128, opts Options) IQSamples {
	i, q := c.Correct(carrier, sig, opts)
	return c.quantize(carrier, i, q, opts)
}

// DACifyFT is DACify for a signal given by its spectrum, see CorrectFT
func (c *IQCorrection) DACifyFT(carrier float64, spec []complex128, t0 float64, opts Options) IQSamples {
	i, q := c.CorrectFT(carrier, spec, t0, opts)
	return c.quantize(carrier, i, q, opts)
}

func (c *IQCorrection) quantize(carrier float64, i, q []float64, opts Options) IQSamples {
	var zi, zq float64
	if !opts.SkipZero {
		zi, zq = c.DACzeros(carrier)
	}
	fullscale := DACMax / c.dynamicReserve
	rescale := 1.
	if opts.Rescale {
		rescale = math.Min(rescaleFactor(i, zi, fullscale), rescaleFactor(q, zq, fullscale))
	}
	clip := !opts.NoClip || opts.Rescale
	out := IQSamples{Rescale: rescale}
	var ci, cq int
	out.I, ci = quantize(i, zi, fullscale*rescale, clip)
	out.Q, cq = quantize(q, zq, fullscale*rescale, clip)
	out.Clipped = ci + cq
	logClipping(c.board, "IQ", out.Clipped)
	return out
}
