package calstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type memDataset struct {
	name   string
	rows   [][]float64
	params map[string]interface{}
}

// Memory is a store held in memory.  It is its own Dialer, and connections
// share its contents.  It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	dirs map[string][]memDataset
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{dirs: make(map[string][]memDataset)}
}

// Dial returns a connection to the store
func (m *Memory) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memConn{m: m}, nil
}

// Put stores a dataset under an explicit name, appending it to the listing
func (m *Memory) Put(dir Path, name string, rows [][]float64, params map[string]interface{}) error {
	if err := checkRect(rows); err != nil {
		return errors.Wrapf(err, "put %s/%s", dir, name)
	}
	cp := make(map[string]interface{}, len(params))
	for k, v := range params {
		cp[k] = normalizeParam(v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dir.String()
	m.dirs[key] = append(m.dirs[key], memDataset{name: name, rows: copyRows(rows), params: cp})
	return nil
}

func copyRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}

func (m *Memory) find(dir Path, name string) (memDataset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds := m.dirs[dir.String()]
	// the newest dataset of a name shadows older ones
	for i := len(ds) - 1; i >= 0; i-- {
		if ds[i].name == name {
			return ds[i], true
		}
	}
	return memDataset{}, false
}

type memConn struct {
	m      *Memory
	closed bool
}

func (c *memConn) check(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (c *memConn) List(ctx context.Context, dir Path) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	ds := c.m.dirs[dir.String()]
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.name
	}
	return names, nil
}

func (c *memConn) Open(ctx context.Context, dir Path, name string) (Handle, error) {
	if err := c.check(ctx); err != nil {
		return Handle{}, err
	}
	d, ok := c.m.find(dir, name)
	if !ok {
		return Handle{}, errors.Wrapf(ErrNoSuchDataset, "%s/%s", dir, name)
	}
	return Handle{Path: dir, Name: name, Digest: Digest(d.rows)}, nil
}

func (c *memConn) Read(ctx context.Context, h Handle) ([][]float64, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	d, ok := c.m.find(h.Path, h.Name)
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchDataset, "%s/%s", h.Path, h.Name)
	}
	return copyRows(d.rows), nil
}

func (c *memConn) Param(ctx context.Context, h Handle, key string) (interface{}, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	d, ok := c.m.find(h.Path, h.Name)
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchDataset, "%s/%s", h.Path, h.Name)
	}
	v, ok := d.params[key]
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchParam, "%q of %s", key, h.Name)
	}
	return v, nil
}

func (c *memConn) Append(ctx context.Context, dir Path, suffix string, rows [][]float64, params map[string]interface{}) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	c.m.mu.RLock()
	n := len(c.m.dirs[dir.String()])
	c.m.mu.RUnlock()
	name := DatasetName(n+1, suffix)
	return name, c.m.Put(dir, name, rows, params)
}

func (c *memConn) Close() error {
	c.closed = true
	return nil
}
