// Package version holds build metadata set with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build metadata for the version command and telemetry.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
