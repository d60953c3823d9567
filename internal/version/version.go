// Package version carries build metadata stamped in with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String renders the metadata for logs and -version.
func String() string {
	return fmt.Sprintf("mocap %s (%s, built %s)", Version, GitSHA, BuildTime)
}
