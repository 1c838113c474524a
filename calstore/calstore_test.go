package calstore

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dir = Path{"GHzDAC Calibration", "Test Board"}

var sample = [][]float64{
	{0, 1.5, -2},
	{1, 0.25, 3e-9},
}

// exercise runs the behaviour every store shares against a fresh store
func exercise(t *testing.T, d Dialer) {
	ctx := context.Background()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	names, err := conn.List(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, names)

	w, ok := conn.(Writer)
	require.True(t, ok, "store is not writable")
	params := map[string]interface{}{
		"Setup type":        "DAC B",
		"Anritsu frequency": 6.5,
		"Sideband count":    int64(7),
	}
	first, err := w.Append(ctx, dir, "zero", sample, params)
	require.NoError(t, err)
	assert.Equal(t, "00001 zero", first)
	second, err := w.Append(ctx, dir, "pulse", sample[:1], nil)
	require.NoError(t, err)
	assert.Equal(t, "00002 pulse", second)

	names, err = conn.List(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, names)

	h, err := conn.Open(ctx, dir, first)
	require.NoError(t, err)
	assert.Equal(t, Digest(sample), h.Digest)
	rows, err := conn.Read(ctx, h)
	require.NoError(t, err)
	if diff := cmp.Diff(sample, rows); diff != "" {
		t.Errorf("rows differ (-want +got):\n%s", diff)
	}

	v, err := conn.Param(ctx, h, "Setup type")
	require.NoError(t, err)
	assert.Equal(t, "DAC B", v)
	v, err = conn.Param(ctx, h, "Anritsu frequency")
	require.NoError(t, err)
	assert.Equal(t, 6.5, v)
	v, err = conn.Param(ctx, h, "Sideband count")
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)

	_, err = conn.Param(ctx, h, "Nonexistent")
	assert.True(t, errors.Is(err, ErrNoSuchParam), "got %v", err)

	_, err = conn.Open(ctx, dir, "00009 IQ")
	assert.True(t, errors.Is(err, ErrNoSuchDataset), "got %v", err)

	_, err = w.Append(ctx, dir, "bad", [][]float64{{1, 2}, {3}}, nil)
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())
}

func TestFITSDir(t *testing.T) {
	exercise(t, &FITSDir{Root: t.TempDir()})
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cal.db"), false)
	require.NoError(t, err)
	defer s.Close()
	exercise(t, s)
}

func TestRemote(t *testing.T) {
	srv := httptest.NewServer(Handler(NewMemory()))
	defer srv.Close()
	exercise(t, NewRemote(srv.URL, 0))
}

func TestRemoteOverFITS(t *testing.T) {
	srv := httptest.NewServer(Handler(&FITSDir{Root: t.TempDir()}))
	defer srv.Close()
	exercise(t, NewRemote(srv.URL+"/", 1000))
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	f := &FITSDir{Root: t.TempDir(), ReadOnly: true}
	conn, err := f.Dial(ctx)
	require.NoError(t, err)
	_, err = conn.(Writer).Append(ctx, dir, "zero", sample, nil)
	assert.Equal(t, ErrReadOnly, err)

	srv := httptest.NewServer(Handler(f))
	defer srv.Close()
	rconn, err := NewRemote(srv.URL, 0).Dial(ctx)
	require.NoError(t, err)
	_, err = rconn.(Writer).Append(ctx, dir, "zero", sample, nil)
	assert.True(t, errors.Is(err, ErrReadOnly), "got %v", err)
}

func TestRemoteDialGivesUp(t *testing.T) {
	srv := httptest.NewServer(Handler(NewMemory()))
	url := srv.URL
	srv.Close()

	r := NewRemote(url, 0)
	r.DialTimeout = 100 * time.Millisecond
	start := time.Now()
	_, err := r.Dial(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewestOfANameWins(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put(dir, "calib", [][]float64{{1}}, nil))
	require.NoError(t, m.Put(dir, "calib", [][]float64{{2}}, nil))
	ctx := context.Background()
	conn, _ := m.Dial(ctx)
	h, err := conn.Open(ctx, dir, "calib")
	require.NoError(t, err)
	rows, err := conn.Read(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2}}, rows)
}

func TestClosedConn(t *testing.T) {
	ctx := context.Background()
	conn, _ := NewMemory().Dial(ctx)
	conn.Close()
	_, err := conn.List(ctx, dir)
	assert.Equal(t, ErrClosed, err)
}

func TestMissingFITSDirListsEmpty(t *testing.T) {
	ctx := context.Background()
	conn, err := (&FITSDir{Root: t.TempDir()}).Dial(ctx)
	require.NoError(t, err)
	names, err := conn.List(ctx, Path{"nope"})
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDigest(t *testing.T) {
	assert.Equal(t, Digest(sample), Digest(copyRows(sample)))
	assert.NotEqual(t, Digest([][]float64{{1, 2}}), Digest([][]float64{{1}, {2}}))
	assert.NotEqual(t, Digest([][]float64{{1, 2}}), Digest([][]float64{{1, 2.0000001}}))
}

func TestKeyword(t *testing.T) {
	assert.Equal(t, "CARRFREQ", Keyword("Anritsu frequency"))
	assert.Equal(t, "SIDEBAND", Keyword("Sideband count"))
	assert.Equal(t, "A_B-C", Keyword("a_b -c"))
}

func TestParsePath(t *testing.T) {
	p := ParsePath("/GHzDAC Calibration//Test Board/")
	assert.Equal(t, dir, p)
	assert.Equal(t, "GHzDAC Calibration/Test Board", p.String())
	assert.Empty(t, ParsePath(""))
}

func TestOpenConfig(t *testing.T) {
	d, err := Open(Config{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, d)

	d, err = Open(Config{Kind: "FITS", Root: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FITSDir{}, d)

	d, err = Open(Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, d)
	d.(*SQLite).Close()

	d, err = Open(Config{Kind: "http", URL: "http://localhost:1/", RequestsPerSecond: 2})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1", d.(*Remote).URL)

	for _, c := range []Config{{Kind: "fits"}, {Kind: "sqlite"}, {Kind: "http"}, {Kind: "labrad"}} {
		_, err = Open(c)
		assert.Error(t, err, c.Kind)
	}
}

type countingDialer struct {
	dials int32
	inner Dialer
}

func (c *countingDialer) Dial(ctx context.Context) (Conn, error) {
	atomic.AddInt32(&c.dials, 1)
	return c.inner.Dial(ctx)
}

func TestPoolReusesConnections(t *testing.T) {
	cd := &countingDialer{inner: NewMemory()}
	p := NewPool(cd, 2, time.Hour)
	defer p.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		conn, err := p.Dial(ctx)
		require.NoError(t, err)
		_, err = conn.List(ctx, dir)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&cd.dials))
	assert.Equal(t, 1, p.Idle())
	assert.Equal(t, 0, p.Active())
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	p := NewPool(NewMemory(), 1, time.Hour)
	defer p.Close()
	conn, err := p.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Dial(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	conn.Close()
	assert.Equal(t, ErrClosed, conn.Close())
	conn, err = p.Dial(context.Background())
	require.NoError(t, err)
	conn.Close()
}

func TestPoolReclaimsIdle(t *testing.T) {
	p := NewPool(NewMemory(), 2, 10*time.Millisecond)
	conn, err := p.Dial(context.Background())
	require.NoError(t, err)
	conn.Close()
	require.Eventually(t, func() bool { return p.Idle() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolServesWrites(t *testing.T) {
	ctx := context.Background()
	p := NewPool(NewMemory(), 1, time.Hour)
	conn, err := p.Dial(ctx)
	require.NoError(t, err)
	name, err := conn.(Writer).Append(ctx, dir, "zero", sample, nil)
	require.NoError(t, err)
	assert.Equal(t, "00001 zero", name)
	conn.Close()

	srv := httptest.NewServer(Handler(p))
	defer srv.Close()
	rconn, err := NewRemote(srv.URL, 0).Dial(ctx)
	require.NoError(t, err)
	names, err := rconn.List(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"00001 zero"}, names)
}

// closeCounter counts the connections it dials that are closed for good
type closeCounter struct {
	inner  Dialer
	closed int32
}

type countedConn struct {
	Conn
	cc *closeCounter
}

func (c countedConn) Close() error {
	atomic.AddInt32(&c.cc.closed, 1)
	return c.Conn.Close()
}

func (cc *closeCounter) Dial(ctx context.Context) (Conn, error) {
	c, err := cc.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return countedConn{Conn: c, cc: cc}, nil
}

func TestPoolCloseWithLease(t *testing.T) {
	cc := &closeCounter{inner: NewMemory()}
	p := NewPool(cc, 2, 10*time.Millisecond)
	ctx := context.Background()
	conn, err := p.Dial(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.EqualValues(t, 0, atomic.LoadInt32(&cc.closed))
	require.NoError(t, conn.Close())
	assert.EqualValues(t, 1, atomic.LoadInt32(&cc.closed))
	assert.Equal(t, 0, p.Idle())
	assert.Equal(t, 0, p.Active())

	_, err = p.Dial(ctx)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, 0, p.Active())
}

func TestRelease(t *testing.T) {
	cc := &closeCounter{inner: NewMemory()}
	p := NewPool(cc, 2, time.Hour)
	defer p.Close()
	ctx := context.Background()
	errDisk := errors.New("disk on fire")

	for _, err := range []error{nil, ErrNoSuchDataset, errors.Wrap(ErrNoSuchParam, "x"), context.Canceled} {
		conn, derr := p.Dial(ctx)
		require.NoError(t, derr)
		require.NoError(t, Release(conn, err))
		assert.Equal(t, 1, p.Idle(), "%v", err)
	}
	assert.EqualValues(t, 0, atomic.LoadInt32(&cc.closed))

	conn, err := p.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, Release(conn, errDisk))
	assert.Equal(t, 0, p.Idle())
	assert.Equal(t, 0, p.Active())
	assert.EqualValues(t, 1, atomic.LoadInt32(&cc.closed))

	// a plain connection is closed either way
	plain, err := cc.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, Release(plain, errDisk))
	assert.EqualValues(t, 2, atomic.LoadInt32(&cc.closed))
}
