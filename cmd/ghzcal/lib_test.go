package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ghzlab/dacal/calserver"
	"github.com/ghzlab/dacal/calstore"
	"github.com/ghzlab/dacal/generichttp/daq"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParam(t *testing.T) {
	assert.Equal(t, int64(12), ParseParam("12"))
	assert.Equal(t, 6.5, ParseParam("6.5"))
	assert.Equal(t, true, ParseParam("true"))
	assert.Equal(t, "DAC A -> mixer I, DAC B -> mixer Q", ParseParam("DAC A -> mixer I, DAC B -> mixer Q"))
}

func TestParseParams(t *testing.T) {
	kv, err := ParseParams([]string{"Anritsu frequency=6", "Setup type=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"Anritsu frequency": int64(6), "Setup type": "a=b"}, kv)

	_, err = ParseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParseParams([]string{"=3"})
	assert.Error(t, err)
}

func TestReadRows(t *testing.T) {
	rows, err := ReadRows(strings.NewReader("f,i,q\n6,100,-50\n6.5,90,-40\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{6, 100, -50}, {6.5, 90, -40}}, rows)

	_, err = ReadRows(strings.NewReader("f,i\n"))
	assert.Error(t, err)
}

func TestRequestFromColumns(t *testing.T) {
	req, err := requestFromColumns("b1", []daq.Column{
		{Name: "Real", Values: []float64{1, 2}},
		{Name: "imag", Values: []float64{3, 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, "b1", req.Board)
	assert.Equal(t, []float64{1, 2}, req.Real)
	assert.Equal(t, []float64{3, 4}, req.Imag)

	_, err = requestFromColumns("b1", []daq.Column{{Name: "time"}})
	assert.Error(t, err)
}

func TestBuildMux(t *testing.T) {
	c := DefaultConfig()
	c.Endpoint = "lab/ghzdac/"
	srv, err := calserver.New(calstore.NewMemory(), "", c.Settings)
	require.NoError(t, err)
	mux := BuildMux(c, srv)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	require.Equal(t, http.StatusOK, w.Code)
	graph := map[string][]string{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&graph))
	assert.Contains(t, graph["/lab/ghzdac"], "POST /correct")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lab/ghzdac/strict", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"bool": true}`, w.Body.String())
}

func TestConfigLayers(t *testing.T) {
	dir := t.TempDir()
	old := ConfigFileName
	ConfigFileName = filepath.Join(dir, "ghzcal.yml")
	defer func() { ConfigFileName = old }()

	// no file and no environment gives the defaults
	require.NoError(t, setupconfig())
	c, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)

	yml := "addr: :9000\nstore:\n  kind: sqlite\n  dsn: cal.db\nsettings:\n  bandwidthz: 0.5\n"
	require.NoError(t, os.WriteFile(ConfigFileName, []byte(yml), 0o644))
	t.Setenv("GHZCAL_STORE_KIND", "memory")
	require.NoError(t, setupconfig())
	c, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, "memory", c.Store.Kind)
	assert.Equal(t, "cal.db", c.Store.DSN)
	assert.Equal(t, 0.5, c.Settings.BandwidthZ)
	assert.True(t, c.Settings.Strict)
}

func TestOpenStore(t *testing.T) {
	c := DefaultConfig()
	c.Store = calstore.Config{Kind: calstore.KindSQLite, DSN: filepath.Join(t.TempDir(), "cal.db")}
	pool, closer, err := OpenStore(c)
	require.NoError(t, err)
	conn, err := pool.Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, pool.Idle())
	assert.NoError(t, closer())
}
