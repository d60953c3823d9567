package l3epipolar

import (
	"io"
	"log"

	"github.com/banshee-data/mocap/internal/mocap"
)

var (
	opsLogger  *log.Logger
	diagLogger *log.Logger
)

// SetLogWriters configures the logging streams for the l3epipolar package.
// Pass nil for any writer to disable that stream. The package has no
// per-tick work, so the trace writer is accepted for symmetry and ignored.
func SetLogWriters(ops, diag, _ io.Writer) {
	opsLogger = mocap.NewLogger("[l3epipolar] ", ops)
	diagLogger = mocap.NewLogger("[l3epipolar] ", diag)
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
