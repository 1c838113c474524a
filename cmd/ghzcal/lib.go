package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ghzlab/dacal/calserver"
	"github.com/ghzlab/dacal/calstore"
	"github.com/ghzlab/dacal/generichttp/daq"
	"github.com/ghzlab/dacal/util"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Config is the configuration of the calibration server and the tools
// around it.  It is populated from ghzcal.yml, then GHZCAL_ environment
// variables, e.g. GHZCAL_STORE_KIND=sqlite.
type Config struct {
	// Addr is the address the calibration server listens at
	Addr string `koanf:"addr" yaml:"addr"`

	// VaultAddr is the address the vault command listens at
	VaultAddr string `koanf:"vaultaddr" yaml:"vaultaddr"`

	// Endpoint is the URL stem the calibration routes are served under,
	// e.g. "ghzdac" gives /ghzdac/correct
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Session is the top level store directory
	Session string `koanf:"session" yaml:"session"`

	// Watch reloads a board when its files change.  Only fits stores can be
	// watched.
	Watch bool `koanf:"watch" yaml:"watch"`

	// PoolSize bounds the number of concurrent store connections and
	// PoolIdleSeconds is how long unused connections are kept open
	PoolSize        int `koanf:"poolsize" yaml:"poolsize"`
	PoolIdleSeconds int `koanf:"poolidleseconds" yaml:"poolidleseconds"`

	Store    calstore.Config    `koanf:"store" yaml:"store"`
	Settings calserver.Settings `koanf:"settings" yaml:"settings"`
}

// DefaultConfig serves a FITS store in ./calibrations
func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		VaultAddr:       ":8001",
		Endpoint:        "ghzdac",
		Watch:           true,
		PoolSize:        4,
		PoolIdleSeconds: 60,
		Store:           calstore.Config{Kind: calstore.KindFITS, Root: "calibrations"},
		Settings:        calserver.DefaultSettings(),
	}
}

// OpenStore returns the configured store behind a connection pool.  close
// frees the pool, then the store.
func OpenStore(c Config) (pool *calstore.Pool, close func() error, err error) {
	d, err := calstore.Open(c.Store)
	if err != nil {
		return nil, nil, err
	}
	pool = calstore.NewPool(d, c.PoolSize, time.Duration(c.PoolIdleSeconds)*time.Second)
	close = func() error {
		return multierr.Append(pool.Close(), closeStore(d))
	}
	return pool, close, nil
}

// closeStore closes stores which hold resources, like a sqlite database
func closeStore(d calstore.Dialer) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// BuildMux mounts the calibration server at its endpoint under a root
// router with request logging.  The root serves GET /endpoints, a map of
// stem to routes.
func BuildMux(c Config, srv *calserver.Server) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	stem := util.SubMuxSanitize(c.Endpoint)
	supergraph := map[string][]string{stem: srv.RT().Endpoints()}
	root.Mount(stem, srv.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// BuildVaultMux serves a store to Remote clients
func BuildVaultMux(d calstore.Dialer) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Mount("/", calstore.Handler(d))
	return root
}

// ParseParam converts the text of a dataset parameter to the most specific
// of int64, float64, bool or string
func ParseParam(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// ParseParams converts key=value flags to dataset parameters
func ParseParams(kvs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(kvs))
	for _, kv := range kvs {
		k, v, ok := util.ParseKeyValue(kv)
		if !ok || k == "" {
			return nil, errors.Errorf("parameter %q is not key=value", kv)
		}
		out[k] = ParseParam(v)
	}
	return out, nil
}

// ReadRows reads a CSV file with a header row into rows of a dataset
func ReadRows(r io.Reader) ([][]float64, error) {
	cols, err := daq.ReadWaveformCSV(r)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 || len(cols[0].Values) == 0 {
		return nil, errors.New("CSV holds no data")
	}
	rows := make([][]float64, len(cols[0].Values))
	for i := range rows {
		rows[i] = make([]float64, len(cols))
		for j, c := range cols {
			rows[i][j] = c.Values[i]
		}
	}
	return rows, nil
}

// requestFromColumns builds a correction request from waveform columns
func requestFromColumns(board string, cols []daq.Column) (daq.Request, error) {
	req := daq.Request{Board: board}
	for _, col := range cols {
		switch strings.ToLower(col.Name) {
		case "real", "i", "signal":
			req.Real = col.Values
		case "imag", "q":
			req.Imag = col.Values
		default:
			return req, errors.Errorf("unknown column %q, want real and imag", col.Name)
		}
	}
	return req, nil
}
