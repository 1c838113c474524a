package calstore

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// wire formats of the HTTP vault

type listResponse struct {
	Names []string `json:"names"`
}

type datasetJSON struct {
	Name   string                 `json:"name"`
	Digest uint64                 `json:"digest"`
	Rows   [][]float64            `json:"rows"`
	Params map[string]interface{} `json:"params"`
}

type appendRequest struct {
	Rows   [][]float64            `json:"rows"`
	Params map[string]interface{} `json:"params"`
}

type appendResponse struct {
	Name string `json:"name"`
}

// paramLister is implemented by connections that can enumerate parameters
type paramLister interface {
	params(h Handle) (map[string]interface{}, error)
}

func (c *memConn) params(h Handle) (map[string]interface{}, error) {
	d, ok := c.m.find(h.Path, h.Name)
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchDataset, "%s/%s", h.Path, h.Name)
	}
	return d.params, nil
}

func (c *fitsConn) params(h Handle) (map[string]interface{}, error) {
	ds, err := c.dataset(h)
	if err != nil {
		return nil, err
	}
	// report parameter names rather than keywords where they are known
	out := make(map[string]interface{}, len(ds.params))
	for kw, v := range ds.params {
		if name, ok := ds.names[kw]; ok {
			out[name] = v
		} else {
			out[kw] = v
		}
	}
	return out, nil
}

func (c *sqliteConn) params(h Handle) (map[string]interface{}, error) {
	id, err := c.id(h)
	if err != nil {
		return nil, err
	}
	rows, err := c.s.db.Query(`SELECT key, kind, value FROM params WHERE dataset = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]interface{})
	for rows.Next() {
		var key, kind, value string
		if err := rows.Scan(&key, &kind, &value); err != nil {
			return nil, err
		}
		v, err := decodeParam(kind, value)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, rows.Err()
}

func (c *remoteConn) params(h Handle) (map[string]interface{}, error) {
	ds, err := c.dataset(h)
	if err != nil {
		return nil, err
	}
	return ds.Params, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNoSuchDataset):
		return http.StatusNotFound
	case errors.Is(err, ErrReadOnly):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encoding vault response")
	}
}

// Handler serves a store over HTTP:
//
//	GET  /list?path=a/b                 {"names": [...]}
//	GET  /dataset?path=a/b&name=n       {"name", "digest", "rows", "params"}
//	POST /dataset?path=a/b&suffix=zero  {"rows", "params"} => {"name"}
//	GET  /ping
//
// Every request dials its own connection.  Remote is the matching client.
func Handler(d Dialer) http.Handler {
	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		conn, err := d.Dial(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		conn.Close()
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/list", func(w http.ResponseWriter, r *http.Request) {
		conn, err := d.Dial(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer conn.Close()
		names, err := conn.List(r.Context(), ParsePath(r.URL.Query().Get("path")))
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		respond(w, listResponse{Names: names})
	})
	r.Get("/dataset", func(w http.ResponseWriter, r *http.Request) {
		conn, err := d.Dial(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer conn.Close()
		q := r.URL.Query()
		h, err := conn.Open(r.Context(), ParsePath(q.Get("path")), q.Get("name"))
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		rows, err := conn.Read(r.Context(), h)
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		ds := datasetJSON{Name: h.Name, Digest: h.Digest, Rows: rows, Params: map[string]interface{}{}}
		if pl, ok := conn.(paramLister); ok {
			ds.Params, err = pl.params(h)
			if err != nil {
				http.Error(w, err.Error(), statusOf(err))
				return
			}
		}
		respond(w, ds)
	})
	r.Post("/dataset", func(w http.ResponseWriter, r *http.Request) {
		var req appendRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := checkRect(req.Rows); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := d.Dial(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer conn.Close()
		wr, ok := conn.(Writer)
		if !ok {
			http.Error(w, ErrReadOnly.Error(), http.StatusForbidden)
			return
		}
		q := r.URL.Query()
		name, err := wr.Append(r.Context(), ParsePath(q.Get("path")), q.Get("suffix"), req.Rows, req.Params)
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		respond(w, appendResponse{Name: name})
	})
	return r
}
