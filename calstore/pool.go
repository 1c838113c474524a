package calstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Pool holds connections to a store which are closed if they are not in
// use, and dialed again as needed.  It is safe for concurrent use.
//
// A Pool is itself a Dialer.  Closing a Conn obtained from it returns the
// connection to the pool rather than closing it.
type Pool struct {
	d       Dialer
	timeout time.Duration

	// one token per connection given out; cap is the maximum pool size
	lease chan struct{}

	mu     sync.Mutex
	idle   []Conn
	timer  *time.Timer
	closed bool
}

// NewPool returns a pool of at most maxSize connections to d.  Connections
// are freed once every connection has been returned and the pool has been
// unused for timeout.
func NewPool(d Dialer, maxSize int, timeout time.Duration) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{d: d, timeout: timeout, lease: make(chan struct{}, maxSize)}
}

// Dial takes a connection from the pool, blocking until one is available if
// all are in use.  It returns ErrClosed once the pool is closed.
func (p *Pool) Dial(ctx context.Context) (Conn, error) {
	select {
	case p.lease <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.lease
		return nil, ErrClosed
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &pooledConn{Conn: c, p: p}, nil
	}
	p.mu.Unlock()

	c, err := p.d.Dial(ctx)
	if err != nil {
		<-p.lease
		return nil, err
	}
	return &pooledConn{Conn: c, p: p}, nil
}

func (p *Pool) put(c Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.lease
		return c.Close()
	}
	p.idle = append(p.idle, c)
	<-p.lease
	if len(p.lease) == 0 && p.timer == nil {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
	return nil
}

func (p *Pool) destroy(c Conn) error {
	<-p.lease
	return c.Close()
}

// reclaim closes the idle connections if none are on lease
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil
	if len(p.lease) > 0 {
		return
	}
	for _, c := range p.idle {
		if err := c.Close(); err != nil {
			logrus.WithError(err).Warn("closing idle store connection")
		}
	}
	p.idle = nil
}

// Idle returns the number of connections waiting in the pool
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Active returns the number of connections currently given out
func (p *Pool) Active() int {
	return len(p.lease)
}

// Close frees the idle connections.  Connections on lease are closed when
// they are returned, and later calls to Dial fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	var err error
	for _, c := range p.idle {
		err = multierr.Append(err, c.Close())
	}
	p.idle = nil
	return err
}

type pooledConn struct {
	Conn
	p    *Pool
	done bool
}

// Close returns the connection to its pool
func (c *pooledConn) Close() error {
	if c.done {
		return ErrClosed
	}
	c.done = true
	return c.p.put(c.Conn)
}

// Discard closes the underlying connection instead of returning it.  Use it
// when the connection has gone bad.
func (c *pooledConn) Discard() error {
	if c.done {
		return ErrClosed
	}
	c.done = true
	return c.p.destroy(c.Conn)
}

// Discarder is a Conn that can be dropped instead of reused, such as a
// connection from a Pool
type Discarder interface {
	Discard() error
}

// Release ends the use of c.  When err is set and is not one of the dataset
// errors of this package or a cancellation, the connection is suspect and is
// discarded if it is a Discarder.  Otherwise it is closed.
func Release(c Conn, err error) error {
	if d, ok := c.(Discarder); ok && suspect(err) {
		return d.Discard()
	}
	return c.Close()
}

func suspect(err error) bool {
	if err == nil {
		return false
	}
	for _, benign := range []error{ErrNoSuchDataset, ErrNoSuchParam, ErrReadOnly, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, benign) {
			return false
		}
	}
	return true
}

// Append passes through to the pooled connection if it is a Writer
func (c *pooledConn) Append(ctx context.Context, dir Path, suffix string, rows [][]float64, params map[string]interface{}) (string, error) {
	w, ok := c.Conn.(Writer)
	if !ok {
		return "", ErrReadOnly
	}
	return w.Append(ctx, dir, suffix, rows, params)
}

func (c *pooledConn) params(h Handle) (map[string]interface{}, error) {
	pl, ok := c.Conn.(paramLister)
	if !ok {
		return map[string]interface{}{}, nil
	}
	return pl.params(h)
}
