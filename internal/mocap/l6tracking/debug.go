package l6tracking

import (
	"io"
	"log"

	"github.com/banshee-data/mocap/internal/mocap"
)

var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the l6tracking
// package. Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = mocap.NewLogger("[l6tracking] ", ops)
	diagLogger = mocap.NewLogger("[l6tracking] ", diag)
	traceLogger = mocap.NewLogger("[l6tracking] ", trace)
}

func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef logs per-slot reconstruction detail.
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
