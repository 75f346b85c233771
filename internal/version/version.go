// Package version exposes build metadata, injected at link time via
// -ldflags "-X ...".
package version

import "fmt"

var (
	// Version is the semantic version of this build.
	Version = "0.1.0-dev"
	// CommitHash is the short git commit the binary was built from.
	CommitHash = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Info bundles the build metadata.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit"`
	BuildTime  string `json:"build_time"`
}

// Get returns the build metadata.
func Get() Info {
	return Info{Version: Version, CommitHash: CommitHash, BuildTime: BuildTime}
}

// Short returns a one-line version string.
func (i Info) Short() string {
	return fmt.Sprintf("%s (%s)", i.Version, i.CommitHash)
}
