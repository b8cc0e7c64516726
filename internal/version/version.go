// Package version carries build metadata injected at link time:
//
//	go build -ldflags "-X github.com/banshee-data/snowpack.report/internal/version.Version=v0.3.0" ./cmd/snowscan
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String is the one-line banner printed by -version and logged at startup.
func String() string {
	return fmt.Sprintf("snowscan %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
