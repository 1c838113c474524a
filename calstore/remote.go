package calstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Remote is a store served over HTTP by Handler.  Requests are throttled to
// a fixed rate shared by every connection of the Remote.
type Remote struct {
	// URL is the root of the vault, e.g. http://vault:8000/
	URL string

	// Client is used for every request, http.DefaultClient if nil
	Client *http.Client

	// DialTimeout bounds how long Dial retries the vault before giving up
	DialTimeout time.Duration

	limiter *rate.Limiter
}

// NewRemote returns a Remote for the vault at url, making at most rps
// requests per second.  rps <= 0 does not limit.
func NewRemote(url string, rps float64) *Remote {
	lim := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Remote{URL: strings.TrimSuffix(url, "/"), DialTimeout: 3 * time.Second, limiter: lim}
}

func (r *Remote) client() *http.Client {
	if r.Client == nil {
		return http.DefaultClient
	}
	return r.Client
}

// do performs a rate limited request against the vault.  The caller closes
// the response body.
func (r *Remote) do(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := r.URL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("%s %s: %s %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return nil, errors.Wrap(ErrNoSuchDataset, err.Error())
		case http.StatusForbidden:
			return nil, errors.Wrap(ErrReadOnly, err.Error())
		}
		return nil, err
	}
	return resp, nil
}

// Dial pings the vault, retrying with exponential backoff until it answers
// or DialTimeout passes
func (r *Remote) Dial(ctx context.Context) (Conn, error) {
	op := func() error {
		resp, err := r.do(ctx, http.MethodGet, "/ping", nil, nil)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Second,
		MaxElapsedTime:      r.DialTimeout,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, errors.Wrapf(err, "dialing vault %s", r.URL)
	}
	return &remoteConn{r: r, cache: make(map[string]datasetJSON)}, nil
}

type remoteConn struct {
	r      *Remote
	cache  map[string]datasetJSON
	closed bool
}

func (c *remoteConn) check(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (c *remoteConn) List(ctx context.Context, dir Path) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	resp, err := c.r.do(ctx, http.MethodGet, "/list", url.Values{"path": {dir.String()}}, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, errors.Wrap(err, "decoding listing")
	}
	if lr.Names == nil {
		lr.Names = []string{}
	}
	return lr.Names, nil
}

func (c *remoteConn) Open(ctx context.Context, dir Path, name string) (Handle, error) {
	if err := c.check(ctx); err != nil {
		return Handle{}, err
	}
	resp, err := c.r.do(ctx, http.MethodGet, "/dataset", url.Values{"path": {dir.String()}, "name": {name}}, nil)
	if err != nil {
		return Handle{}, err
	}
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var ds datasetJSON
	if err := dec.Decode(&ds); err != nil {
		return Handle{}, errors.Wrapf(err, "decoding %s/%s", dir, name)
	}
	if err := checkRect(ds.Rows); err != nil {
		return Handle{}, errors.Wrapf(err, "%s/%s", dir, name)
	}
	if d := Digest(ds.Rows); d != ds.Digest {
		return Handle{}, errors.Errorf("%s/%s: digest %x does not match contents %x", dir, name, ds.Digest, d)
	}
	for k, v := range ds.Params {
		ds.Params[k] = jsonParam(v)
	}
	c.cache[handleKey(dir, name)] = ds
	return Handle{Path: dir, Name: name, Digest: ds.Digest}, nil
}

// jsonParam converts json.Number to int64 where it is integral, else float64
func jsonParam(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func (c *remoteConn) dataset(h Handle) (datasetJSON, error) {
	ds, ok := c.cache[handleKey(h.Path, h.Name)]
	if !ok {
		return ds, errors.Errorf("dataset %s/%s is not open", h.Path, h.Name)
	}
	return ds, nil
}

func (c *remoteConn) Read(ctx context.Context, h Handle) ([][]float64, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	ds, err := c.dataset(h)
	if err != nil {
		return nil, err
	}
	return copyRows(ds.Rows), nil
}

func (c *remoteConn) Param(ctx context.Context, h Handle, key string) (interface{}, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	ds, err := c.dataset(h)
	if err != nil {
		return nil, err
	}
	v, ok := ds.Params[key]
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchParam, "%q of %s", key, h.Name)
	}
	return v, nil
}

func (c *remoteConn) Append(ctx context.Context, dir Path, suffix string, rows [][]float64, params map[string]interface{}) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := checkRect(rows); err != nil {
		return "", err
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(appendRequest{Rows: rows, Params: params}); err != nil {
		return "", err
	}
	resp, err := c.r.do(ctx, http.MethodPost, "/dataset", url.Values{"path": {dir.String()}, "suffix": {suffix}}, buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var ar appendResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", errors.Wrap(err, "decoding append response")
	}
	return ar.Name, nil
}

func (c *remoteConn) Close() error {
	c.closed = true
	c.cache = nil
	return nil
}
