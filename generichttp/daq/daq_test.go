package daq

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWaveformCSV(t *testing.T) {
	in := "real, imag\n0, 1\n0.5,-0.5\n 1e-3 ,2\n"
	cols, err := ReadWaveformCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "real", cols[0].Name)
	assert.Equal(t, "imag", cols[1].Name)
	assert.Equal(t, []float64{0, 0.5, 1e-3}, cols[0].Values)
	assert.Equal(t, []float64{1, -0.5, 2}, cols[1].Values)

	_, err = ReadWaveformCSV(strings.NewReader("real\n1\nx\n"))
	assert.Error(t, err)
	_, err = ReadWaveformCSV(strings.NewReader(""))
	assert.Error(t, err)
}

func TestWriteSamplesCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSamplesCSV(&buf, []string{"i", "q"}, []int32{1, -2}, []int32{8191, -8192}))
	assert.Equal(t, "i,q\n1,8191\n-2,-8192\n", buf.String())
	assert.Error(t, WriteSamplesCSV(&buf, []string{"i"}, []int32{1}, []int32{2}))
}

func TestValidate(t *testing.T) {
	f := 6.0
	ok := []Request{
		{Board: "b", DAC: "A", Real: []float64{1}},
		{Board: "b", Frequency: &f, Real: []float64{1}, Imag: []float64{0}},
		{Board: "b", DAC: "B", Settling: &Settling{Rates: []float64{1}, Amplitudes: []float64{0.1}}},
	}
	for _, r := range ok {
		assert.NoError(t, r.Validate())
	}
	bad := []Request{
		{DAC: "A"},
		{Board: "b"},
		{Board: "b", DAC: "A", Frequency: &f},
		{Board: "b", DAC: "A", Real: []float64{1, 2}, Imag: []float64{1}},
		{Board: "b", Frequency: &f, Filter: &Filter{Shape: "flat"}},
	}
	for _, r := range bad {
		assert.Error(t, r.Validate())
	}
}

func TestComplex(t *testing.T) {
	r := Request{Real: []float64{1, 2}, Imag: []float64{3, 4}}
	assert.Equal(t, []complex128{1 + 3i, 2 + 4i}, r.Complex())
	r.Imag = nil
	assert.Equal(t, []complex128{1, 2}, r.Complex())
}
