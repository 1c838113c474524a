package calstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
)

// fitsExt is the extension of dataset files in a FITSDir
const fitsExt = ".fits"

// fitsKeywords maps the parameter names used by the calibrations to FITS
// keywords, which are limited to 8 characters
var fitsKeywords = map[string]string{
	"Setup type":                     "SETUPTYP",
	"Anritsu frequency":              "CARRFREQ",
	"Sideband frequency step":        "SBSTEP",
	"Number of sideband frequencies": "SBCOUNT",
	"Response type":                  "RESPTYPE",
	"Sideband table format":          "SBFORMAT",
	"DAC zero":                       "DACZERO",
}

// reserved keywords are written by fitsio itself
var reservedKeywords = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "NAXIS1": true, "NAXIS2": true,
	"EXTEND": true, "END": true, "BZERO": true, "BSCALE": true,
}

// Keyword returns the FITS keyword a parameter is stored under.  Names
// without a fixed mapping are upper cased and stripped to letters, digits,
// dashes and underscores, then cut to 8 characters.
func Keyword(param string) string {
	if kw, ok := fitsKeywords[param]; ok {
		return kw
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(param) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	return b.String()
}

// FITSDir is a store in a directory tree.  Store directories are file
// system directories below Root, and each dataset is a FITS file holding one
// float64 image of shape rows x columns, with its parameters as header cards.
//
// Datasets are listed in lexical order of their file names; the names
// Append generates sort in creation order.
type FITSDir struct {
	Root     string
	ReadOnly bool
}

// Dial returns a connection to the store
func (f *FITSDir) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := os.Stat(f.Root)
	if err != nil {
		return nil, errors.Wrap(err, "opening FITS store")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("FITS store root %s is not a directory", f.Root)
	}
	return &fitsConn{store: f, cache: make(map[string]fitsDataset)}, nil
}

// Dir is the file system directory that holds a store directory
func (f *FITSDir) Dir(p Path) string {
	elems := append([]string{f.Root}, p...)
	return filepath.Join(elems...)
}

type fitsDataset struct {
	rows   [][]float64
	params map[string]interface{}

	// names maps keywords to the parameter names they were written for
	names map[string]string
}

type fitsConn struct {
	store  *FITSDir
	cache  map[string]fitsDataset
	closed bool
}

func (c *fitsConn) check(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (c *fitsConn) file(dir Path, name string) string {
	return filepath.Join(c.store.Dir(dir), name+fitsExt)
}

func (c *fitsConn) List(ctx context.Context, dir Path) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return listFITS(c.store.Dir(dir))
}

func listFITS(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fitsExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fitsExt))
	}
	sort.Strings(names)
	return names, nil
}

func (c *fitsConn) Open(ctx context.Context, dir Path, name string) (Handle, error) {
	if err := c.check(ctx); err != nil {
		return Handle{}, err
	}
	fn := c.file(dir, name)
	ds, err := readFITS(fn)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return Handle{}, errors.Wrapf(ErrNoSuchDataset, "%s/%s", dir, name)
		}
		return Handle{}, err
	}
	c.cache[fn] = ds
	return Handle{Path: dir, Name: name, Digest: Digest(ds.rows)}, nil
}

func (c *fitsConn) dataset(h Handle) (fitsDataset, error) {
	ds, ok := c.cache[c.file(h.Path, h.Name)]
	if !ok {
		return ds, errors.Errorf("dataset %s/%s is not open", h.Path, h.Name)
	}
	return ds, nil
}

func (c *fitsConn) Read(ctx context.Context, h Handle) ([][]float64, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	ds, err := c.dataset(h)
	if err != nil {
		return nil, err
	}
	return copyRows(ds.rows), nil
}

func (c *fitsConn) Param(ctx context.Context, h Handle, key string) (interface{}, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	ds, err := c.dataset(h)
	if err != nil {
		return nil, err
	}
	v, ok := ds.params[Keyword(key)]
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchParam, "%q of %s", key, h.Name)
	}
	return v, nil
}

func (c *fitsConn) Append(ctx context.Context, dir Path, suffix string, rows [][]float64, params map[string]interface{}) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if c.store.ReadOnly {
		return "", ErrReadOnly
	}
	if err := checkRect(rows); err != nil {
		return "", err
	}
	d := c.store.Dir(dir)
	if err := os.MkdirAll(d, 0755); err != nil {
		return "", errors.Wrapf(err, "creating %s", d)
	}
	names, err := listFITS(d)
	if err != nil {
		return "", err
	}
	name := DatasetName(len(names)+1, suffix)
	fn := c.file(dir, name)
	fid, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", errors.Wrapf(err, "creating dataset %s", name)
	}
	err = writeFITS(fid, rows, params)
	if cerr := fid.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(fn)
		return "", errors.Wrapf(err, "writing dataset %s", name)
	}
	return name, nil
}

func (c *fitsConn) Close() error {
	c.closed = true
	c.cache = nil
	return nil
}

// writeFITS streams a dataset to a FITS file
func writeFITS(w *os.File, rows [][]float64, params map[string]interface{}) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	cols := len(rows[0])
	im := fitsio.NewImage(-64, []int{cols, len(rows)})
	defer im.Close()

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cards := make([]fitsio.Card, 0, len(keys))
	for _, k := range keys {
		kw := Keyword(k)
		if kw == "" || reservedKeywords[kw] {
			return errors.Errorf("parameter %q has no usable FITS keyword", k)
		}
		v := normalizeParam(params[k])
		if i, ok := v.(int64); ok {
			v = int(i)
		}
		cards = append(cards, fitsio.Card{Name: kw, Value: v, Comment: k})
	}
	if err := im.Header().Append(cards...); err != nil {
		return err
	}

	flat := make([]float64, 0, cols*len(rows))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	if err := im.Write(flat); err != nil {
		return err
	}
	return fits.Write(im)
}

// readFITS loads the primary image and header cards of a FITS file
func readFITS(fn string) (fitsDataset, error) {
	fid, err := os.Open(fn)
	if err != nil {
		return fitsDataset{}, errors.WithStack(err)
	}
	defer fid.Close()
	fits, err := fitsio.Open(fid)
	if err != nil {
		return fitsDataset{}, errors.Wrapf(err, "reading %s", fn)
	}
	defer fits.Close()
	img, ok := fits.HDU(0).(fitsio.Image)
	if !ok {
		return fitsDataset{}, errors.Errorf("%s has no primary image", fn)
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 2 {
		return fitsDataset{}, errors.Errorf("%s: image has %d axes, want 2", fn, len(axes))
	}
	var flat []float64
	if err := img.Read(&flat); err != nil {
		return fitsDataset{}, errors.Wrapf(err, "reading image of %s", fn)
	}
	cols, nrows := axes[0], axes[1]
	if len(flat) != cols*nrows {
		return fitsDataset{}, errors.Errorf("%s: image holds %d values, want %d", fn, len(flat), cols*nrows)
	}
	ds := fitsDataset{
		rows:   make([][]float64, nrows),
		params: make(map[string]interface{}),
		names:  make(map[string]string),
	}
	for i := range ds.rows {
		ds.rows[i] = flat[i*cols : (i+1)*cols]
	}
	for _, k := range hdr.Keys() {
		if reservedKeywords[k] {
			continue
		}
		card := hdr.Get(k)
		if card == nil {
			continue
		}
		if c := strings.TrimSpace(card.Comment); c != "" && Keyword(c) == k {
			ds.names[k] = c
		}
		if s, ok := card.Value.(string); ok {
			// FITS pads strings to 8 characters
			ds.params[k] = strings.TrimRight(s, " ")
			continue
		}
		ds.params[k] = normalizeParam(card.Value)
	}
	return ds, nil
}
