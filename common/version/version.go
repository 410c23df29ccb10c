// Package version provides build-time version information
package version

import "runtime"

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns a formatted version string
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime + " with " + runtime.Version()
}

// UserAgent is sent on outbound calls to the generation backend.
func UserAgent() string {
	return "aibou/" + Version
}

// Fields returns the build metadata for status payloads.
func Fields() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go":         runtime.Version(),
	}
}
