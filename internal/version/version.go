// Package version holds build metadata stamped in at link time:
//
//	go build -ldflags "-X github.com/driftlock/searchmux/internal/version.Version=v1.2.0"
package version

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build metadata as a single human-readable line.
func String() string {
	return Version + " (commit " + Commit + ", built " + Date + ")"
}
