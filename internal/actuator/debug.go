package actuator

import (
	"io"
	"log"

	"github.com/banshee-data/mocap/internal/mocap"
)

var (
	opsLogger  *log.Logger
	diagLogger *log.Logger
)

// SetLogWriters configures the logging streams for the actuator package.
// The trace stream is accepted for symmetry and unused.
func SetLogWriters(ops, diag, _ io.Writer) {
	opsLogger = mocap.NewLogger("[actuator] ", ops)
	diagLogger = mocap.NewLogger("[actuator] ", diag)
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
