package serialmux

import "strings"

const (
	LineTelemetry = "telemetry"
	LineLog       = "log"
	LineEmpty     = "empty"
)

// ClassifyLine sorts a line read back from the bridge: JSON objects are
// device telemetry, anything else is free-form log output.
func ClassifyLine(line string) string {
	t := strings.TrimSpace(line)
	switch {
	case t == "":
		return LineEmpty
	case strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}"):
		return LineTelemetry
	default:
		return LineLog
	}
}
