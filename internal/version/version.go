// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders the metadata for the version command.
func String() string {
	return fmt.Sprintf("chainwatch %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildDate)
}
