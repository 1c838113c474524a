package server_test

import (
	"go/types"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ghzlab/dacal/server"
	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()
	server.RespondJSON(w, []string{"a", "b"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `["a", "b"]`, w.Body.String())
}

func TestRespondJSONUnencodable(t *testing.T) {
	for _, v := range []interface{}{math.NaN(), make(chan int), server.FloatT{F64: math.Inf(1)}} {
		w := httptest.NewRecorder()
		server.RespondJSON(w, v)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotEqual(t, "application/json", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "error encoding response to json")
	}
}

func TestEncodeAndRespond(t *testing.T) {
	w := httptest.NewRecorder()
	server.HumanPayload{T: types.Float64, Float: math.NaN()}.EncodeAndRespond(w, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	server.HumanPayload{T: types.Int, Int: 3}.EncodeAndRespond(w, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"int": 3}`, w.Body.String())

	w = httptest.NewRecorder()
	server.HumanPayload{T: types.Complex128}.EncodeAndRespond(w, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBind(t *testing.T) {
	rt := server.RouteTable{
		{Method: http.MethodGet, Path: "/b"}:  func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodPost, Path: "/a"}: func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodGet, Path: "/a"}:  func(w http.ResponseWriter, r *http.Request) {},
	}
	assert.Equal(t, []string{"GET /a", "POST /a", "GET /b"}, rt.Endpoints())

	r := chi.NewRouter()
	rt.Bind(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["GET /a", "POST /a", "GET /b"]`, w.Body.String())
}
