// Package monitoring holds process-level logging and rate measurement
// shared by the acquisition loop, the tracker and the HTTP layer.
package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Streams are the three writers every domain package's SetLogWriters takes.
// A nil writer disables that stream.
type Streams struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// NewStreams routes ops output to w always, diag output when verbose is
// set and per-tick trace output only when trace is set.
func NewStreams(w io.Writer, verbose, trace bool) Streams {
	s := Streams{Ops: w}
	if verbose {
		s.Diag = w
	}
	if trace {
		s.Trace = w
	}
	return s
}
