// Package version carries the build identity stamped into the vibesense
// binary via -ldflags at release time.
package version

var (
	// Version is the vibesense release version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
