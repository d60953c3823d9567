package l1frames

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

// SetLogWriters configures the three logging streams for the l1frames
// package. Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = mocap.NewLogger("[l1frames] ", ops)
	diagLogger = mocap.NewLogger("[l1frames] ", diag)
	traceLogger = mocap.NewLogger("[l1frames] ", trace)
}

// opsf logs to the ops stream (camera failures, dropped frames).
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

// tracef logs per-tick acquisition telemetry.
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
