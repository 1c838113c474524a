/*Package calserver is the DAC Calibration service.  It corrects waveforms
for GHz DAC boards over HTTP, with the calibrations of each board loaded from
a store on first use and cached until reloaded.

Correctors are loaded strictly: a request for a board without a complete set
of calibrations is answered with 404 rather than an uncorrected waveform.
*/
package calserver

import (
	"context"
	"go/types"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/ghzlab/dacal/calstore"
	"github.com/ghzlab/dacal/generichttp"
	"github.com/ghzlab/dacal/generichttp/daq"
	"github.com/ghzlab/dacal/ghzdac"
	"github.com/ghzlab/dacal/mathx"
	"github.com/ghzlab/dacal/server"
	"github.com/ghzlab/dacal/server/middleware/locker"
	"github.com/ghzlab/dacal/util"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"
)

// Settings are the corrections the server applies.  They are shared by all
// boards.
type Settings struct {
	// DeconvIQ deconvolves the pulse response of IQ boards
	DeconvIQ bool `koanf:"deconviq" yaml:"deconviq"`

	// DeconvZ deconvolves the step response of single channel boards
	DeconvZ bool `koanf:"deconvz" yaml:"deconvz"`

	// ZeroIQ adds the DAC zero offsets of IQ boards
	ZeroIQ bool `koanf:"zeroiq" yaml:"zeroiq"`

	// ZeroZ adds the DAC zero offset of single channel boards
	ZeroZ bool `koanf:"zeroz" yaml:"zeroz"`

	// BandwidthIQ and BandwidthZ are the low-pass bandwidths as a fraction
	// of the Nyquist frequency
	BandwidthIQ float64 `koanf:"bandwidthiq" yaml:"bandwidthiq"`
	BandwidthZ  float64 `koanf:"bandwidthz" yaml:"bandwidthz"`

	// FilterIQ and FilterZ are the low-pass shapes, cosine, gaussian or flat
	FilterIQ string `koanf:"filteriq" yaml:"filteriq"`
	FilterZ  string `koanf:"filterz" yaml:"filterz"`

	// Strict makes a missing calibration an error.  The server is strict
	// unless told otherwise.
	Strict bool `koanf:"strict" yaml:"strict"`
}

// DefaultSettings applies every correction with the default filters
func DefaultSettings() Settings {
	iq, z := ghzdac.DefaultIQConfig(), ghzdac.DefaultDACConfig()
	return Settings{
		DeconvIQ:    true,
		DeconvZ:     true,
		ZeroIQ:      true,
		ZeroZ:       true,
		BandwidthIQ: iq.Bandwidth,
		BandwidthZ:  z.Bandwidth,
		FilterIQ:    iq.Filter.String(),
		FilterZ:     z.Filter.String(),
		Strict:      true,
	}
}

// Validate checks that the filters can be built
func (s Settings) Validate() error {
	if _, err := s.iqConfig(); err != nil {
		return err
	}
	_, err := s.dacConfig()
	return err
}

func (s Settings) iqConfig() (ghzdac.IQConfig, error) {
	cfg := ghzdac.DefaultIQConfig()
	shape, err := ghzdac.ParseShape(s.FilterIQ)
	if err != nil {
		return cfg, err
	}
	if _, err = ghzdac.NewKernel(shape, s.BandwidthIQ); err != nil {
		return cfg, err
	}
	cfg.Filter, cfg.Bandwidth, cfg.Strict = shape, s.BandwidthIQ, s.Strict
	return cfg, nil
}

func (s Settings) dacConfig() (ghzdac.DACConfig, error) {
	cfg := ghzdac.DefaultDACConfig()
	shape, err := ghzdac.ParseShape(s.FilterZ)
	if err != nil {
		return cfg, err
	}
	if _, err = ghzdac.NewKernel(shape, s.BandwidthZ); err != nil {
		return cfg, err
	}
	cfg.Filter, cfg.Bandwidth, cfg.Strict = shape, s.BandwidthZ, s.Strict
	return cfg, nil
}

type dacKey struct {
	board string
	ch    ghzdac.Channel
}

// Server caches correctors per board and serves correction requests
type Server struct {
	store   calstore.Dialer
	session string
	lock    *locker.Locker

	mu       sync.Mutex
	settings Settings
	iq       map[string]*ghzdac.IQCorrection
	dac      map[dacKey]*ghzdac.DACCorrection

	// gen is bumped whenever the caches are invalidated, so a load that
	// started before the invalidation is not cached
	gen uint64

	rt server.RouteTable
}

// New returns a server for the calibrations in store.  session is the top
// level store directory, ghzdac.SessionName if empty.
func New(store calstore.Dialer, session string, s Settings) (*Server, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	srv := &Server{
		store:    store,
		session:  session,
		lock:     locker.New(),
		settings: s,
		iq:       make(map[string]*ghzdac.IQCorrection),
		dac:      make(map[dacKey]*ghzdac.DACCorrection),
		rt:       server.RouteTable{},
	}
	srv.routes()
	locker.Inject(srv, srv.lock)
	return srv, nil
}

// RT satisfies server.HTTPer
func (s *Server) RT() server.RouteTable {
	return s.rt
}

// Handler returns the routes bound to a router behind the lock
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.lock.Check)
	s.rt.Bind(r)
	return r
}

// Settings returns a copy of the current settings
func (s *Server) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// update changes the settings, clearing the caches when the change affects
// how correctors are loaded
func (s *Server) update(fcn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings
	fcn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	reload := next.FilterIQ != s.settings.FilterIQ || next.FilterZ != s.settings.FilterZ ||
		next.BandwidthIQ != s.settings.BandwidthIQ || next.BandwidthZ != s.settings.BandwidthZ ||
		next.Strict != s.settings.Strict
	s.settings = next
	if reload {
		s.invalidate("")
	}
	return nil
}

// invalidate drops the correctors of board, or all of them if board is
// empty.  s.mu must be held.
func (s *Server) invalidate(board string) {
	s.gen++
	if board == "" {
		s.iq = make(map[string]*ghzdac.IQCorrection)
		s.dac = make(map[dacKey]*ghzdac.DACCorrection)
		return
	}
	delete(s.iq, board)
	for k := range s.dac {
		if k.board == board {
			delete(s.dac, k)
		}
	}
}

// Reload drops the cached correctors of board, or of every board if board
// is empty.  They are loaded again by the next request.
func (s *Server) Reload(board string) {
	s.mu.Lock()
	s.invalidate(board)
	s.mu.Unlock()
	if board == "" {
		logrus.Info("dropped all cached correctors")
	} else {
		logrus.WithField("board", board).Info("dropped cached correctors")
	}
}

// Refresh drops the cached correctors whose calibrations have been
// superseded in the store, and returns the number dropped
func (s *Server) Refresh(ctx context.Context) (int, error) {
	s.mu.Lock()
	iqs := make(map[string]*ghzdac.IQCorrection, len(s.iq))
	for k, v := range s.iq {
		iqs[k] = v
	}
	dacs := make(map[dacKey]*ghzdac.DACCorrection, len(s.dac))
	for k, v := range s.dac {
		dacs[k] = v
	}
	s.mu.Unlock()

	conn, err := s.store.Dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	var staleIQ []string
	var staleDAC []dacKey
	for board, c := range iqs {
		old, err := c.Outdated(ctx, conn, s.session)
		if err != nil {
			return 0, err
		}
		if old {
			staleIQ = append(staleIQ, board)
		}
	}
	for k, c := range dacs {
		old, err := c.Outdated(ctx, conn, s.session)
		if err != nil {
			return 0, err
		}
		if old {
			staleDAC = append(staleDAC, k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, board := range staleIQ {
		if s.iq[board] == iqs[board] {
			delete(s.iq, board)
			n++
		}
	}
	for _, k := range staleDAC {
		if s.dac[k] == dacs[k] {
			delete(s.dac, k)
			n++
		}
	}
	if n > 0 {
		s.gen++
		logrus.WithField("count", n).Info("dropped outdated correctors")
	}
	return n, nil
}

// IQ returns the corrector of an IQ board, loading it if it is not cached
func (s *Server) IQ(ctx context.Context, board string) (*ghzdac.IQCorrection, error) {
	s.mu.Lock()
	if c, ok := s.iq[board]; ok {
		s.mu.Unlock()
		return c, nil
	}
	gen := s.gen
	cfg, err := s.settings.iqConfig()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	cfg.Session = s.session
	logrus.WithField("board", board).Info("loading IQ corrector")
	c, err := ghzdac.DialIQ(ctx, s.store, board, cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.iq[board]; ok {
		return prev, nil
	}
	if gen == s.gen {
		s.iq[board] = c
	}
	return c, nil
}

// DAC returns the corrector of one channel of a board, loading it if it is
// not cached
func (s *Server) DAC(ctx context.Context, board string, ch ghzdac.Channel) (*ghzdac.DACCorrection, error) {
	key := dacKey{board, ch}
	s.mu.Lock()
	if c, ok := s.dac[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	gen := s.gen
	cfg, err := s.settings.dacConfig()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	cfg.Session = s.session
	logrus.WithField("board", board).WithField("channel", ch.String()).Info("loading DAC corrector")
	c, err := ghzdac.DialDAC(ctx, s.store, board, ch, cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.dac[key]; ok {
		return prev, nil
	}
	if gen == s.gen {
		s.dac[key] = c
	}
	return c, nil
}

func (s *Server) options(req daq.Request) ghzdac.Options {
	st := s.Settings()
	opts := ghzdac.Options{Loop: req.Loop, Rescale: req.Rescale}
	if req.IQ() {
		opts.SkipDeconv, opts.SkipZero = !st.DeconvIQ, !st.ZeroIQ
	} else {
		opts.SkipDeconv, opts.SkipZero = !st.DeconvZ, !st.ZeroZ
	}
	return opts
}

// dacFor returns the corrector for a single channel request with its
// settling and filter overrides applied
func (s *Server) dacFor(ctx context.Context, req daq.Request) (*ghzdac.DACCorrection, error) {
	ch, err := ghzdac.ParseChannel(req.DAC)
	if err != nil {
		return nil, err
	}
	c, err := s.DAC(ctx, req.Board, ch)
	if err != nil {
		return nil, err
	}
	if req.Settling != nil {
		c, err = c.WithSettling(req.Settling.Rates, req.Settling.Amplitudes)
		if err != nil {
			return nil, err
		}
	}
	if req.Filter != nil {
		shape, err := ghzdac.ParseShape(req.Filter.Shape)
		if err != nil {
			return nil, err
		}
		k, err := ghzdac.NewKernel(shape, req.Filter.Bandwidth)
		if err != nil {
			return nil, err
		}
		c = c.WithFilter(k)
	}
	return c, nil
}

func missing(types []ghzdac.CalType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func iqResponse(c *ghzdac.IQCorrection, smp ghzdac.IQSamples) daq.Response {
	return daq.Response{
		I:       smp.I,
		Q:       smp.Q,
		SRAM:    ghzdac.PackIQ(smp.I, smp.Q, c.IisB()),
		Rescale: smp.Rescale,
		Clipped: smp.Clipped,
		Missing: missing(c.Missing()),
	}
}

func dacResponse(c *ghzdac.DACCorrection, smp ghzdac.Samples) daq.Response {
	resp := daq.Response{
		Values:  smp.Values,
		SRAM:    ghzdac.PackDAC(smp.Values, c.Channel()),
		Rescale: smp.Rescale,
		Clipped: smp.Clipped,
	}
	if c.Missing() {
		resp.Missing = []string{string(c.Channel().CalType())}
	}
	return resp
}

// Correct serves a time domain correction request
func (s *Server) Correct(ctx context.Context, req daq.Request) (daq.Response, error) {
	if req.IQ() {
		c, err := s.IQ(ctx, req.Board)
		if err != nil {
			return daq.Response{}, err
		}
		return iqResponse(c, c.DACify(*req.Frequency, req.Complex(), s.options(req))), nil
	}
	if len(req.Imag) != 0 {
		return daq.Response{}, &ghzdac.ConfigurationError{Option: "imag", Value: len(req.Imag), Reason: "a single channel signal is real"}
	}
	c, err := s.dacFor(ctx, req)
	if err != nil {
		return daq.Response{}, err
	}
	return dacResponse(c, c.DACify(req.Real, s.options(req))), nil
}

// CorrectFT serves a correction request given as a spectrum.  For IQ
// requests it is the full complex spectrum, for single channel requests the
// non-negative frequencies of a real signal.
func (s *Server) CorrectFT(ctx context.Context, req daq.Request) (daq.Response, error) {
	if req.IQ() {
		c, err := s.IQ(ctx, req.Board)
		if err != nil {
			return daq.Response{}, err
		}
		return iqResponse(c, c.DACifyFT(*req.Frequency, req.Complex(), req.T0, s.options(req))), nil
	}
	c, err := s.dacFor(ctx, req)
	if err != nil {
		return daq.Response{}, err
	}
	smp, err := c.DACifyFT(req.Complex(), req.T0, s.options(req))
	if err != nil {
		return daq.Response{}, err
	}
	return dacResponse(c, smp), nil
}

// Calibration describes the datasets a cached corrector was built from
type Calibration struct {
	Board    string            `json:"board"`
	Channel  string            `json:"channel,omitempty"`
	Datasets map[string]string `json:"datasets"`
	Missing  []string          `json:"missing,omitempty"`
}

// Calibrations lists the cached correctors, sorted by board then channel
func (s *Server) Calibrations() []Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Calibration, 0, len(s.iq)+len(s.dac))
	for board, c := range s.iq {
		cal := Calibration{Board: board, Datasets: map[string]string{}, Missing: missing(c.Missing())}
		for typ, h := range c.Loaded() {
			cal.Datasets[string(typ)] = h.Name
		}
		out = append(out, cal)
	}
	for k, c := range s.dac {
		cal := Calibration{Board: k.board, Channel: k.ch.String(), Datasets: map[string]string{}}
		if h, ok := c.Loaded(); ok {
			cal.Datasets[string(k.ch.CalType())] = h.Name
		} else {
			cal.Missing = []string{string(k.ch.CalType())}
		}
		out = append(out, cal)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Board != out[j].Board {
			return out[i].Board < out[j].Board
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// Boards lists the boards with a cached corrector, sorted
func (s *Server) Boards() []string {
	cals := s.Calibrations()
	names := make([]string, len(cals))
	for i, c := range cals {
		names[i] = c.Board
	}
	return util.UniqueString(names)
}

func (s *Server) routes() {
	rt := s.rt
	daq.HTTPCorrector(s, rt)

	rt[server.MethodPath{Method: http.MethodPost, Path: "/reload"}] = s.httpReload
	rt[server.MethodPath{Method: http.MethodGet, Path: "/calibrations"}] = func(w http.ResponseWriter, r *http.Request) {
		server.RespondJSON(w, s.Calibrations())
	}
	rt[server.MethodPath{Method: http.MethodGet, Path: "/boards"}] = func(w http.ResponseWriter, r *http.Request) {
		server.RespondJSON(w, s.Boards())
	}
	rt[server.MethodPath{Method: http.MethodGet, Path: "/cached"}] = generichttp.GetInt(func() (int, error) {
		return len(s.Calibrations()), nil
	})
	rt[server.MethodPath{Method: http.MethodGet, Path: "/fast-fft-len"}] = httpFastFFTLen

	bools := []struct {
		path string
		get  func(Settings) bool
		set  func(*Settings, bool)
	}{
		{"/deconv-iq", func(st Settings) bool { return st.DeconvIQ }, func(st *Settings, b bool) { st.DeconvIQ = b }},
		{"/deconv-z", func(st Settings) bool { return st.DeconvZ }, func(st *Settings, b bool) { st.DeconvZ = b }},
		{"/zero-iq", func(st Settings) bool { return st.ZeroIQ }, func(st *Settings, b bool) { st.ZeroIQ = b }},
		{"/zero-z", func(st Settings) bool { return st.ZeroZ }, func(st *Settings, b bool) { st.ZeroZ = b }},
		{"/strict", func(st Settings) bool { return st.Strict }, func(st *Settings, b bool) { st.Strict = b }},
	}
	for _, b := range bools {
		b := b
		rt[server.MethodPath{Method: http.MethodGet, Path: b.path}] = generichttp.GetBool(func() (bool, error) {
			return b.get(s.Settings()), nil
		})
		rt[server.MethodPath{Method: http.MethodPost, Path: b.path}] = generichttp.SetBool(func(v bool) error {
			return s.update(func(st *Settings) { b.set(st, v) })
		})
	}

	floats := []struct {
		path string
		get  func(Settings) float64
		set  func(*Settings, float64)
	}{
		{"/bandwidth-iq", func(st Settings) float64 { return st.BandwidthIQ }, func(st *Settings, f float64) { st.BandwidthIQ = f }},
		{"/bandwidth-z", func(st Settings) float64 { return st.BandwidthZ }, func(st *Settings, f float64) { st.BandwidthZ = f }},
	}
	for _, f := range floats {
		f := f
		rt[server.MethodPath{Method: http.MethodGet, Path: f.path}] = generichttp.GetFloat(func() (float64, error) {
			return f.get(s.Settings()), nil
		})
		rt[server.MethodPath{Method: http.MethodPost, Path: f.path}] = generichttp.SetFloat(func(v float64) error {
			return s.update(func(st *Settings) { f.set(st, v) })
		})
	}

	strs := []struct {
		path string
		get  func(Settings) string
		set  func(*Settings, string)
	}{
		{"/filter-iq", func(st Settings) string { return st.FilterIQ }, func(st *Settings, v string) { st.FilterIQ = v }},
		{"/filter-z", func(st Settings) string { return st.FilterZ }, func(st *Settings, v string) { st.FilterZ = v }},
	}
	for _, str := range strs {
		str := str
		rt[server.MethodPath{Method: http.MethodGet, Path: str.path}] = generichttp.GetString(func() (string, error) {
			return str.get(s.Settings()), nil
		})
		rt[server.MethodPath{Method: http.MethodPost, Path: str.path}] = generichttp.SetString(func(v string) error {
			return s.update(func(st *Settings) { str.set(st, v) })
		})
	}
}

// httpReload drops cached correctors.  ?board= limits it to one board,
// ?stale=true to those whose calibrations were superseded.
func (s *Server) httpReload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if stale, _ := strconv.ParseBool(q.Get("stale")); stale {
		n, err := s.Refresh(r.Context())
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Int, Int: n}
		hp.EncodeAndRespond(w, r)
		return
	}
	s.Reload(q.Get("board"))
	w.WriteHeader(http.StatusOK)
}

// httpFastFFTLen answers ?n= with the FFT length the correctors pad n to
func httpFastFFTLen(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n < 1 {
		http.Error(w, "n must be a positive integer", http.StatusBadRequest)
		return
	}
	hp := server.HumanPayload{T: types.Int, Int: mathx.FastFFTLen(n)}
	hp.EncodeAndRespond(w, r)
}
