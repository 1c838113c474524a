// Package generichttp provides handlers that wrap getter and setter
// functions in an HTTP interface, and the mapping of correction errors to
// HTTP status codes
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/ghzlab/dacal/calstore"
	"github.com/ghzlab/dacal/ghzdac"
	"github.com/ghzlab/dacal/server"
	"github.com/pkg/errors"
)

// StatusCode maps an error to the HTTP status it is reported with:
// bad configuration is 400, a missing calibration or dataset 404, a
// malformed calibration 422, anything else 500
func StatusCode(err error) int {
	var (
		cfg     *ghzdac.ConfigurationError
		missing *ghzdac.CalibrationMissingError
		format  *ghzdac.CalibrationFormatError
	)
	switch {
	case errors.As(err, &cfg):
		return http.StatusBadRequest
	case errors.As(err, &missing), errors.Is(err, calstore.ErrNoSuchDataset):
		return http.StatusNotFound
	case errors.As(err, &format):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Error replies to the request with the error message and StatusCode(err)
func Error(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusCode(err))
}

// get wraps a getter in a handler that responds with the value in the
// HumanPayload field chosen by wrap
func get[V any](fcn func() (V, error), wrap func(V) server.HumanPayload) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		hp := wrap(v)
		hp.EncodeAndRespond(w, r)
	}
}

// set wraps a setter in a handler that decodes the JSON body into a P and
// calls fcn with the field chosen by unwrap.  A malformed body is 400.
func set[P, V any](fcn func(V) error, unwrap func(P) V) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var p P
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(unwrap(p)); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetFloat responds with {"f64": value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return get(fcn, func(f float64) server.HumanPayload { return server.HumanPayload{T: types.Float64, Float: f} })
}

// SetFloat calls fcn with the value of a {"f64": value} body
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return set(fcn, func(p server.FloatT) float64 { return p.F64 })
}

// GetInt responds with {"int": value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return get(fcn, func(i int) server.HumanPayload { return server.HumanPayload{T: types.Int, Int: i} })
}

// GetString responds with {"str": value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return get(fcn, func(s string) server.HumanPayload { return server.HumanPayload{T: types.String, String: s} })
}

// SetString calls fcn with the value of a {"str": value} body
func SetString(fcn func(string) error) http.HandlerFunc {
	return set(fcn, func(p server.StrT) string { return p.Str })
}

// GetBool responds with {"bool": value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return get(fcn, func(b bool) server.HumanPayload { return server.HumanPayload{T: types.Bool, Bool: b} })
}

// SetBool calls fcn with the value of a {"bool": value} body
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return set(fcn, func(p server.BoolT) bool { return p.Bool })
}
