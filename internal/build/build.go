// Package build holds build-time information stamped in via -ldflags.
package build

var (
	// Version is the release version of the recollect binary.
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)
