// Package daq provides a generic HTTP interface to waveform correction for
// GHz DAC boards
//
// This is not the last word in speed, due to HTTP having reasonable latency in
// most client languages, but it is the last word in ease of use.
package daq

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ghzlab/dacal/generichttp"
	"github.com/ghzlab/dacal/ghzdac"
	"github.com/ghzlab/dacal/server"
	"github.com/pkg/errors"
)

// Settling describes exponential settling tails of a DAC step response,
// see ghzdac.DACCorrection.WithSettling
type Settling struct {
	Rates      []float64 `json:"rates"`
	Amplitudes []float64 `json:"amplitudes"`
}

// Filter overrides the low-pass filter of a single channel correction
type Filter struct {
	Shape     string  `json:"shape"`
	Bandwidth float64 `json:"bandwidth"`
}

// Request is a correction request.  Exactly one of Frequency (IQ mode,
// carrier in GHz) or DAC (single channel mode, "A", "B", "0" or "1") is set.
//
// For time domain requests Real and Imag are the signal sampled at 1 GS/s;
// Imag is the Q quadrature in IQ mode and must be empty otherwise.  For
// spectrum requests they are the real and imaginary parts of the spectrum.
type Request struct {
	Board     string    `json:"board"`
	Frequency *float64  `json:"frequency,omitempty"`
	DAC       string    `json:"dac,omitempty"`
	Loop      bool      `json:"loop"`
	Rescale   bool      `json:"rescale"`
	T0        float64   `json:"t0"`
	Real      []float64 `json:"real"`
	Imag      []float64 `json:"imag,omitempty"`
	Settling  *Settling `json:"settling,omitempty"`
	Filter    *Filter   `json:"filter,omitempty"`
}

// IQ is true for requests to an IQ corrector
func (r Request) IQ() bool {
	return r.Frequency != nil
}

// Validate checks the shape of the request
func (r Request) Validate() error {
	switch {
	case r.Board == "":
		return &ghzdac.ConfigurationError{Option: "board", Value: r.Board, Reason: "must be given"}
	case r.IQ() && r.DAC != "":
		return &ghzdac.ConfigurationError{Option: "dac", Value: r.DAC, Reason: "frequency and dac are exclusive"}
	case !r.IQ() && r.DAC == "":
		return &ghzdac.ConfigurationError{Option: "frequency", Value: nil, Reason: "one of frequency or dac must be given"}
	case len(r.Imag) != 0 && len(r.Imag) != len(r.Real):
		return &ghzdac.ConfigurationError{Option: "imag", Value: len(r.Imag), Reason: "must be as long as real"}
	case r.IQ() && (r.Settling != nil || r.Filter != nil):
		return &ghzdac.ConfigurationError{Option: "settling", Value: nil, Reason: "settling and filter apply to single channel corrections only"}
	}
	return nil
}

// Complex returns Real + i*Imag
func (r Request) Complex() []complex128 {
	out := make([]complex128, len(r.Real))
	for k, v := range r.Real {
		var im float64
		if len(r.Imag) > 0 {
			im = r.Imag[k]
		}
		out[k] = complex(v, im)
	}
	return out
}

// Response holds the corrected DAC values.  I and Q are set for IQ
// requests, Values for single channel requests.  SRAM holds the packed
// words ready for upload.
type Response struct {
	I       []int32  `json:"i,omitempty"`
	Q       []int32  `json:"q,omitempty"`
	Values  []int32  `json:"values,omitempty"`
	SRAM    []uint32 `json:"sram"`
	Rescale float64  `json:"rescale"`
	Clipped int      `json:"clipped"`

	// Missing lists the calibrations that were not available; the
	// corresponding stages were skipped
	Missing []string `json:"missing,omitempty"`
}

// Corrector is a type which can serve correction requests
type Corrector interface {
	// Correct corrects a time domain signal
	Correct(context.Context, Request) (Response, error)

	// CorrectFT corrects a signal given by its spectrum
	CorrectFT(context.Context, Request) (Response, error)
}

// HTTPCorrector adds correction routes to a table
func HTTPCorrector(c Corrector, table server.RouteTable) {
	table[server.MethodPath{Method: http.MethodPost, Path: "/correct"}] = Correct(c.Correct)
	table[server.MethodPath{Method: http.MethodPost, Path: "/correct-ft"}] = Correct(c.CorrectFT)
	table[server.MethodPath{Method: http.MethodPost, Path: "/correct/csv"}] = CorrectCSV(c)
}

// Correct returns an HTTP handlerfunc that decodes a JSON Request, passes it
// to fcn and responds with the JSON Response
func Correct(fcn func(context.Context, Request) (Response, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = req.Validate(); err != nil {
			generichttp.Error(w, err)
			return
		}
		resp, err := fcn(r.Context(), req)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		server.RespondJSON(w, resp)
	}
}

// CorrectCSV returns an HTTP handlerfunc that corrects a waveform uploaded
// as CSV.  The request is described by the query parameters board,
// frequency or dac, loop and rescale; the body has a header row naming the
// columns (real, and imag in IQ mode) and one sample per row.  The response
// is CSV with columns i,q or value.
func CorrectCSV(c Corrector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := requestFromQuery(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		cols, err := ReadWaveformCSV(r.Body)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, col := range cols {
			switch strings.ToLower(col.Name) {
			case "real", "i", "signal":
				req.Real = col.Values
			case "imag", "q":
				req.Imag = col.Values
			default:
				http.Error(w, "unknown column "+col.Name, http.StatusBadRequest)
				return
			}
		}
		if err = req.Validate(); err != nil {
			generichttp.Error(w, err)
			return
		}
		resp, err := c.Correct(r.Context(), req)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		if req.IQ() {
			err = WriteSamplesCSV(w, []string{"i", "q"}, resp.I, resp.Q)
		} else {
			err = WriteSamplesCSV(w, []string{"value"}, resp.Values)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func requestFromQuery(r *http.Request) (Request, error) {
	q := r.URL.Query()
	req := Request{Board: q.Get("board"), DAC: q.Get("dac")}
	if s := q.Get("frequency"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return req, &ghzdac.ConfigurationError{Option: "frequency", Value: s, Reason: err.Error()}
		}
		req.Frequency = &f
	}
	for _, b := range []struct {
		key string
		dst *bool
	}{{"loop", &req.Loop}, {"rescale", &req.Rescale}} {
		if s := q.Get(b.key); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				return req, &ghzdac.ConfigurationError{Option: b.key, Value: s, Reason: err.Error()}
			}
			*b.dst = v
		}
	}
	return req, nil
}

// Column is a named column of a waveform CSV file
type Column struct {
	Name   string
	Values []float64
}

// ReadWaveformCSV reads a CSV file with a header row of column names and
// one row of floats per sample
func ReadWaveformCSV(r io.Reader) ([]Column, error) {
	var out []Column
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	skip := true
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		line++
		if skip {
			skip = false
			// allocate; one column per header field
			out = make([]Column, len(record))
			for i := range record {
				out[i].Name = strings.TrimSpace(record[i])
			}
			continue
		}
		for i := range record {
			f, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				return out, errors.Wrapf(err, "line %d column %d", line, i+1)
			}
			out[i].Values = append(out[i].Values, f)
		}
	}
	if out == nil {
		return nil, errors.New("empty CSV, need a header row")
	}
	return out, nil
}

// WriteSamplesCSV writes equal length columns of DAC values with a header row
func WriteSamplesCSV(w io.Writer, header []string, cols ...[]int32) error {
	if len(header) != len(cols) {
		return errors.Errorf("%d header fields for %d columns", len(header), len(cols))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	n := 0
	if len(cols) > 0 {
		n = len(cols[0])
	}
	record := make([]string, len(cols))
	for k := 0; k < n; k++ {
		for i, c := range cols {
			record[i] = strconv.FormatInt(int64(c[k]), 10)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
