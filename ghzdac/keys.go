/*Package ghzdac turns ideal analog or IQ waveforms into corrected sample
streams for GHz DAC boards.

Calibration datasets live in a hierarchical store under
[SessionName, board].  For each board there are up to four kinds of dataset,
distinguished by the suffix of the dataset name:

	zero   DAC offsets that null the IQ mixer LO leakage, vs carrier frequency
	pulse  impulse response of the IQ channels, measured at one carrier
	IQ     sideband image compensation vs carrier and sideband frequency
	DAC A  step response of a single, non-IQ DAC channel (also DAC B)

The last dataset in a listing whose name carries the suffix is used.  An
IQCorrection or DACCorrection is built once from the store and is read-only
afterwards; it may be shared by concurrent callers.

A minimal example for an IQ board:

	cor, err := ghzdac.DialIQ(ctx, dialer, "DR Lab FPGA 4", ghzdac.DefaultIQConfig())
	if err != nil {
		return err
	}
	t := mathx.Linspace(-50, 50, 100, false)
	sig := make([]complex128, len(t))
	for i, ti := range t {
		// 5 ns gaussian sideband-mixed 100 MHz off the 6 GHz carrier
		sig[i] = complex(math.Exp2(-ti*ti/6.25), 0) * cmplx.Exp(complex(0, -2*math.Pi*0.1*ti))
	}
	out := cor.DACify(6.0, sig, ghzdac.Options{})
	sram := ghzdac.PackIQ(out.I, out.Q, cor.IisB())
*/
package ghzdac

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// CalType names a kind of calibration dataset.  It is also the suffix of the
// dataset names in the store.
type CalType string

const (
	// Zero is the DAC zero (LO leakage) calibration
	Zero CalType = "zero"

	// Pulse is the IQ impulse response calibration
	Pulse CalType = "pulse"

	// IQ is the sideband calibration
	IQ CalType = "IQ"

	// DACA is the single channel calibration of DAC A
	DACA CalType = "DAC A"

	// DACB is the single channel calibration of DAC B
	DACB CalType = "DAC B"
)

// metadata keys read from calibration datasets
const (
	SessionName = "GHzDAC Calibration"

	KeySetupType     = "Setup type"
	KeyCarrierFreq   = "Anritsu frequency"
	KeySidebandStep  = "Sideband frequency step"
	KeySidebandCount = "Number of sideband frequencies"

	// KeyResponseType is "step" (default) or "impulse" for DAC datasets
	KeyResponseType = "Response type"

	// KeySidebandFormat is "gain" (default) or "compensation" for IQ datasets
	KeySidebandFormat = "Sideband table format"

	// KeyDACZero is an optional DAC value added to every sample of a single
	// channel correction
	KeyDACZero = "DAC zero"
)

// SetupTypes are the recognized values of the "Setup type" parameter of pulse
// calibrations.  The index is meaningful: 1 means DAC A drives the mixer I
// port, 2 means DAC B does.
var SetupTypes = [...]string{
	"no IQ mixer",
	"DAC A -> mixer I, DAC B -> mixer Q",
	"DAC A -> mixer Q, DAC B -> mixer I",
}

// Channel is a physical DAC channel on a board
type Channel int

const (
	// ChannelA is DAC A
	ChannelA Channel = iota
	// ChannelB is DAC B
	ChannelB
)

// String returns "DAC A" or "DAC B"
func (c Channel) String() string {
	return string(c.CalType())
}

// CalType returns the calibration type that holds the single channel
// calibration for c
func (c Channel) CalType() CalType {
	if c == ChannelB {
		return DACB
	}
	return DACA
}

// ParseChannel converts "DAC A", "A", "a", "0" (and likewise for B / 1) to a
// Channel.  A bare number is an index, see ChannelFromIndex; otherwise only
// the final character is significant.
func ParseChannel(s string) (Channel, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ConfigurationError{Option: "channel", Value: s, Reason: "empty channel name"}
	}
	if i, err := strconv.Atoi(s); err == nil {
		return ChannelFromIndex(i)
	}
	switch s[len(s)-1:] {
	case "A", "a", "0":
		return ChannelA, nil
	case "B", "b", "1":
		return ChannelB, nil
	}
	return 0, &ConfigurationError{Option: "channel", Value: s, Reason: "must be DAC A or DAC B"}
}

// ChannelFromIndex converts 0 or 1 to a Channel
func ChannelFromIndex(i int) (Channel, error) {
	if i == 0 || i == 1 {
		return Channel(i), nil
	}
	return 0, &ConfigurationError{Option: "channel", Value: strconv.Itoa(i), Reason: "must be 0 or 1"}
}

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used to report loading progress, missing
// calibrations, and clipping.
func SetLogger(l logrus.FieldLogger) {
	logger = l
}
