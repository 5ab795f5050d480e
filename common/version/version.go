// Package version exposes build metadata stamped in via -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, "v0.0.0-dev" for local builds.
	Version = "v0.0.0-dev"

	// GitCommit is the short commit hash of the build.
	GitCommit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Info renders the full version line shown by --version.
func Info() string {
	return fmt.Sprintf("%s (%s) built at %s", Version, GitCommit, BuildTime)
}
