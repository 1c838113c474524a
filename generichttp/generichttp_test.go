package generichttp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ghzlab/dacal/calstore"
	"github.com/ghzlab/dacal/ghzdac"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&ghzdac.ConfigurationError{Option: "bandwidth", Value: -1, Reason: "negative"}, http.StatusBadRequest},
		{errors.Wrap(&ghzdac.CalibrationMissingError{Board: "b", Type: ghzdac.Zero}, "loading"), http.StatusNotFound},
		{errors.Wrap(calstore.ErrNoSuchDataset, "b/00001 zero"), http.StatusNotFound},
		{&ghzdac.CalibrationFormatError{Board: "b", Type: ghzdac.Pulse, Dataset: "00002 pulse", Reason: "bad"}, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, StatusCode(c.err), c.err.Error())
	}
}

func TestGetSetFloat(t *testing.T) {
	v := 0.5
	set := SetFloat(func(f float64) error {
		if f < 0 {
			return &ghzdac.ConfigurationError{Option: "v", Value: f, Reason: "negative"}
		}
		v = f
		return nil
	})
	w := httptest.NewRecorder()
	set(w, httptest.NewRequest(http.MethodPost, "/v", strings.NewReader(`{"f64": 0.25}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.25, v)

	w = httptest.NewRecorder()
	set(w, httptest.NewRequest(http.MethodPost, "/v", strings.NewReader(`{"f64": -1}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	GetFloat(func() (float64, error) { return v, nil })(w, httptest.NewRequest(http.MethodGet, "/v", nil))
	assert.JSONEq(t, `{"f64": 0.25}`, w.Body.String())
}

func TestGetError(t *testing.T) {
	w := httptest.NewRecorder()
	GetString(func() (string, error) {
		return "", &ghzdac.CalibrationMissingError{Board: "b", Type: ghzdac.DACA}
	})(w, httptest.NewRequest(http.MethodGet, "/v", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
