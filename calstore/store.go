/*Package calstore provides access to the hierarchical store that holds
calibration datasets.

A store is a tree of directories.  Each directory holds datasets, listed in
the order they were created.  A dataset is a 2D array of float64 (rows of
equal length) plus a set of named scalar parameters.

Most usages of this package boil down to:
	1.  obtain a Dialer for the store with Open
	2.  Dial it to get a Conn, and defer conn.Close()
	3.  List a directory, Open a dataset, Read its rows and Param its metadata
*/
package calstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/snksoft/crc"
)

var (
	// ErrNoSuchDataset is generated when a dataset name is not in a directory
	ErrNoSuchDataset = errors.New("no such dataset")

	// ErrNoSuchParam is generated when a dataset does not carry a parameter
	ErrNoSuchParam = errors.New("no such parameter")

	// ErrReadOnly is generated when writing to a store that does not accept writes
	ErrReadOnly = errors.New("store is read only")

	// ErrClosed is generated when using a Conn after Close
	ErrClosed = errors.New("connection is closed")

	crcTable = crc.NewTable(crc.CRC32)
)

// Path is a directory in the store, e.g. {"GHzDAC Calibration", "DR Lab FPGA 4"}
type Path []string

// String joins the path with slashes
func (p Path) String() string {
	return strings.Join(p, "/")
}

// ParsePath splits a slash separated path, ignoring empty elements
func ParsePath(s string) Path {
	var out Path
	for _, e := range strings.Split(s, "/") {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Handle identifies an open dataset
type Handle struct {
	Path Path
	Name string

	// Digest is a checksum of the dataset contents, see Digest
	Digest uint64
}

// Conn is an open session with a store.  A Conn is not safe for concurrent
// use; dial one per goroutine.
type Conn interface {
	// List returns the names of the datasets in a directory, oldest first
	List(ctx context.Context, dir Path) ([]string, error)

	// Open prepares a dataset for reading
	Open(ctx context.Context, dir Path, name string) (Handle, error)

	// Read returns the rows of an open dataset
	Read(ctx context.Context, h Handle) ([][]float64, error)

	// Param returns a named parameter of an open dataset.  Values are
	// float64, int64, bool, or string.
	Param(ctx context.Context, h Handle, key string) (interface{}, error)

	// Close ends the session
	Close() error
}

// Writer is a Conn that can create datasets
type Writer interface {
	Conn

	// Append creates a new dataset in dir, named "<index> <suffix>" where
	// index is one more than the number of datasets already in dir.
	Append(ctx context.Context, dir Path, suffix string, rows [][]float64, params map[string]interface{}) (string, error)
}

// Dialer opens connections to a store
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Digest computes a CRC-32 over the shape and values of rows
func Digest(rows [][]float64) uint64 {
	buf := make([]byte, 8)
	c := crcTable.InitCrc()
	binary.LittleEndian.PutUint64(buf, uint64(len(rows)))
	c = crcTable.UpdateCrc(c, buf)
	for _, row := range rows {
		binary.LittleEndian.PutUint64(buf, uint64(len(row)))
		c = crcTable.UpdateCrc(c, buf)
		for _, v := range row {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			c = crcTable.UpdateCrc(c, buf)
		}
	}
	return crcTable.CRC(c)
}

// DatasetName formats the name Append gives the n-th (1 based) dataset of a directory
func DatasetName(n int, suffix string) string {
	return fmt.Sprintf("%05d %s", n, suffix)
}

// checkRect returns an error if rows are not all the same length
func checkRect(rows [][]float64) error {
	if len(rows) == 0 {
		return errors.New("dataset has no rows")
	}
	w := len(rows[0])
	for i, r := range rows {
		if len(r) != w {
			return errors.Errorf("row %d has %d columns, row 0 has %d", i, len(r), w)
		}
	}
	return nil
}

// normalizeParam converts numeric parameter values to float64 or int64
func normalizeParam(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	}
	return v
}
