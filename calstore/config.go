package calstore

import (
	"strings"

	"github.com/pkg/errors"
)

// Kinds of store understood by Open
const (
	KindMemory = "memory"
	KindFITS   = "fits"
	KindSQLite = "sqlite"
	KindHTTP   = "http"
)

// Config describes a store
type Config struct {
	// Kind is one of memory, fits, sqlite, http
	Kind string `koanf:"kind" yaml:"kind"`

	// Root is the directory of a fits store
	Root string `koanf:"root" yaml:"root"`

	// DSN is the database of a sqlite store
	DSN string `koanf:"dsn" yaml:"dsn"`

	// URL is the address of an http store
	URL string `koanf:"url" yaml:"url"`

	// RequestsPerSecond throttles an http store, 0 for no limit
	RequestsPerSecond float64 `koanf:"rps" yaml:"rps"`

	// ReadOnly refuses Append
	ReadOnly bool `koanf:"readonly" yaml:"readonly"`
}

// Open returns a Dialer for the store described by c
func Open(c Config) (Dialer, error) {
	switch strings.ToLower(c.Kind) {
	case KindMemory, "":
		return NewMemory(), nil
	case KindFITS:
		if c.Root == "" {
			return nil, errors.New("fits store needs a root directory")
		}
		return &FITSDir{Root: c.Root, ReadOnly: c.ReadOnly}, nil
	case KindSQLite:
		if c.DSN == "" {
			return nil, errors.New("sqlite store needs a dsn")
		}
		s, err := OpenSQLite(c.DSN, c.ReadOnly)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindHTTP:
		if c.URL == "" {
			return nil, errors.New("http store needs a url")
		}
		return NewRemote(c.URL, c.RequestsPerSecond), nil
	}
	return nil, errors.Errorf("unknown store kind %q, want one of memory, fits, sqlite, http", c.Kind)
}
