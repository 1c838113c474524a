package ghzdac

import (
	"context"
	"strings"

	"github.com/ghzlab/dacal/calstore"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// IQConfig selects what LoadIQ loads
type IQConfig struct {
	ZeroCor  bool
	PulseCor bool
	IQCor    bool

	Filter    Shape
	Bandwidth float64

	// Strict makes a missing calibration an error instead of a warning
	Strict bool

	// Session is the top level directory of the store, SessionName if empty
	Session string
}

// DefaultIQConfig loads every calibration and filters with a cosine
// roll-off above 400 MHz
func DefaultIQConfig() IQConfig {
	return IQConfig{ZeroCor: true, PulseCor: true, IQCor: true, Filter: Cosine, Bandwidth: 0.8}
}

// DACConfig selects what LoadDAC loads
type DACConfig struct {
	Filter    Shape
	Bandwidth float64
	Strict    bool
	Session   string
}

// DefaultDACConfig filters with a gaussian that is 3 dB down at 130 MHz
func DefaultDACConfig() DACConfig {
	return DACConfig{Filter: Gaussian, Bandwidth: 0.26}
}

// ds is a dataset being loaded
type ds struct {
	ctx   context.Context
	conn  calstore.Conn
	board string
	typ   CalType
	h     calstore.Handle
}

func (d ds) param(key string, required bool) (interface{}, bool, error) {
	v, err := d.conn.Param(d.ctx, d.h, key)
	if err == nil {
		return v, true, nil
	}
	if errors.Is(err, calstore.ErrNoSuchParam) {
		if required {
			return nil, false, formatErr(d.board, d.typ, d.h.Name, "missing parameter %q", key)
		}
		return nil, false, nil
	}
	return nil, false, err
}

func (d ds) float(key string, required bool) (float64, bool, error) {
	v, ok, err := d.param(key, required)
	if err != nil || !ok {
		return 0, ok, err
	}
	switch t := v.(type) {
	case float64:
		return t, true, nil
	case int64:
		return float64(t), true, nil
	}
	return 0, false, formatErr(d.board, d.typ, d.h.Name, "parameter %q is %T, not a number", key, v)
}

func (d ds) str(key string, required bool) (string, bool, error) {
	v, ok, err := d.param(key, required)
	if err != nil || !ok {
		return "", ok, err
	}
	s, isStr := v.(string)
	if !isStr {
		return "", false, formatErr(d.board, d.typ, d.h.Name, "parameter %q is %T, not a string", key, v)
	}
	return s, true, nil
}

// open finds and opens the newest dataset of a type.  ok is false if there is
// none and strict is not set.
func open(ctx context.Context, conn calstore.Conn, dir calstore.Path, board string, typ CalType, strict bool) (ds, bool, error) {
	if err := ctx.Err(); err != nil {
		return ds{}, false, err
	}
	name, ok, err := findDataset(ctx, conn, dir, board, typ, strict)
	if err != nil || !ok {
		return ds{}, false, err
	}
	logger.WithField("board", board).Infof("loading %s calibration from %s", typ, name)
	h, err := conn.Open(ctx, dir, name)
	if err != nil {
		return ds{}, false, err
	}
	return ds{ctx: ctx, conn: conn, board: board, typ: typ, h: h}, true, nil
}

func (d ds) rows() ([][]float64, error) {
	return d.conn.Read(d.ctx, d.h)
}

func setupIndex(s string) int {
	for i, t := range SetupTypes {
		if strings.EqualFold(s, t) {
			return i
		}
	}
	return -1
}

// LoadIQ builds an IQ corrector for a board from the calibrations in the
// store, stage by stage: zero, then pulse, then sideband.  The pulse stage
// decides which DAC drives the I port.
//
// Any error, including cancellation of ctx, returns a nil corrector.
func LoadIQ(ctx context.Context, conn calstore.Conn, board string, cfg IQConfig) (*IQCorrection, error) {
	k, err := NewKernel(cfg.Filter, cfg.Bandwidth)
	if err != nil {
		return nil, err
	}
	cor := NewIQCorrection(board, k)
	dir := BoardPath(cfg.Session, board)
	stages := []struct {
		on   bool
		typ  CalType
		load func(ds) error
	}{
		{cfg.ZeroCor, Zero, func(d ds) error {
			rows, err := d.rows()
			if err != nil {
				return err
			}
			return cor.LoadZeroCal(rows, d.h)
		}},
		{cfg.PulseCor, Pulse, func(d ds) error {
			setup, _, err := d.str(KeySetupType, true)
			if err != nil {
				return err
			}
			idx := setupIndex(setup)
			if idx < 1 {
				return formatErr(board, Pulse, d.h.Name, "unsupported setup type %q", setup)
			}
			carrier, _, err := d.float(KeyCarrierFreq, true)
			if err != nil {
				return err
			}
			rows, err := d.rows()
			if err != nil {
				return err
			}
			return cor.LoadPulseCal(rows, carrier, idx == 2, d.h)
		}},
		{cfg.IQCor, IQ, func(d ds) error {
			step, _, err := d.float(KeySidebandStep, true)
			if err != nil {
				return err
			}
			format, _, err := d.str(KeySidebandFormat, false)
			if err != nil {
				return err
			}
			gain := true
			switch strings.ToLower(format) {
			case "", "gain":
			case "compensation":
				gain = false
			default:
				return formatErr(board, IQ, d.h.Name, "unknown sideband table format %q", format)
			}
			rows, err := d.rows()
			if err != nil {
				return err
			}
			count, ok, err := d.float(KeySidebandCount, false)
			if err != nil {
				return err
			}
			if ok && len(rows) > 0 && int(count) != (len(rows[0])-1)/2 {
				return formatErr(board, IQ, d.h.Name, "%d sideband frequencies declared, %d columns present", int(count), len(rows[0]))
			}
			return cor.LoadSidebandCal(rows, step, gain, d.h)
		}},
	}
	for _, st := range stages {
		if !st.on {
			continue
		}
		cor.requested = append(cor.requested, st.typ)
		d, ok, err := open(ctx, conn, dir, board, st.typ, cfg.Strict)
		if err != nil {
			return nil, err
		}
		if !ok {
			cor.missing = append(cor.missing, st.typ)
			continue
		}
		if err := st.load(d); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cor, nil
}

// LoadDAC builds a single channel corrector from the newest calibration of
// the channel in the store.
//
// Any error, including cancellation of ctx, returns a nil corrector.
func LoadDAC(ctx context.Context, conn calstore.Conn, board string, ch Channel, cfg DACConfig) (*DACCorrection, error) {
	k, err := NewKernel(cfg.Filter, cfg.Bandwidth)
	if err != nil {
		return nil, err
	}
	cor := NewDACCorrection(board, ch, k)
	d, ok, err := open(ctx, conn, BoardPath(cfg.Session, board), board, ch.CalType(), cfg.Strict)
	if err != nil {
		return nil, err
	}
	if !ok {
		cor.missing = true
		return cor, nil
	}
	resp, _, err := d.str(KeyResponseType, false)
	if err != nil {
		return nil, err
	}
	impulse := false
	switch strings.ToLower(resp) {
	case "", "step":
	case "impulse":
		impulse = true
	default:
		return nil, formatErr(board, d.typ, d.h.Name, "unknown response type %q", resp)
	}
	zero, _, err := d.float(KeyDACZero, false)
	if err != nil {
		return nil, err
	}
	rows, err := d.rows()
	if err != nil {
		return nil, err
	}
	if err := cor.LoadCal(rows, impulse, d.h); err != nil {
		return nil, err
	}
	cor.zero = zero
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cor, nil
}

// DialIQ dials the store, loads an IQ corrector with LoadIQ and releases the
// connection, see calstore.Release
func DialIQ(ctx context.Context, d calstore.Dialer, board string, cfg IQConfig) (cor *IQCorrection, err error) {
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "dialing calibration store")
	}
	defer func() {
		err = multierr.Append(err, calstore.Release(conn, storeFailure(err)))
		if err != nil {
			cor = nil
		}
	}()
	return LoadIQ(ctx, conn, board, cfg)
}

// DialDAC dials the store, loads a single channel corrector with LoadDAC and
// releases the connection
func DialDAC(ctx context.Context, d calstore.Dialer, board string, ch Channel, cfg DACConfig) (cor *DACCorrection, err error) {
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "dialing calibration store")
	}
	defer func() {
		err = multierr.Append(err, calstore.Release(conn, storeFailure(err)))
		if err != nil {
			cor = nil
		}
	}()
	return LoadDAC(ctx, conn, board, ch, cfg)
}

// changed reports whether the newest dataset of typ differs from the one in
// use, by name or by contents
func changed(ctx context.Context, conn calstore.Conn, dir calstore.Path, typ CalType, used *calstore.Handle) (bool, error) {
	names, err := conn.List(ctx, dir)
	if err != nil {
		return false, err
	}
	idx, ok := Resolve(names, string(typ))
	if !ok || used == nil {
		return ok != (used != nil), nil
	}
	if names[idx] != used.Name {
		return true, nil
	}
	h, err := conn.Open(ctx, dir, names[idx])
	if err != nil {
		return false, err
	}
	return h.Digest != used.Digest, nil
}

// Outdated reports whether the store now holds a calibration that LoadIQ
// would pick over one the corrector was built with, or one that was missing.
func (c *IQCorrection) Outdated(ctx context.Context, conn calstore.Conn, session string) (bool, error) {
	dir := BoardPath(session, c.board)
	for _, typ := range c.requested {
		var used *calstore.Handle
		if h, ok := c.loaded[typ]; ok {
			used = &h
		}
		ch, err := changed(ctx, conn, dir, typ, used)
		if err != nil || ch {
			return ch, err
		}
	}
	return false, nil
}

// Outdated reports whether the store now holds a different calibration for
// the channel than the corrector was built with
func (c *DACCorrection) Outdated(ctx context.Context, conn calstore.Conn, session string) (bool, error) {
	return changed(ctx, conn, BoardPath(session, c.board), c.channel.CalType(), c.handle)
}
