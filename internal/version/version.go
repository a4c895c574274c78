// Package version exposes build metadata injected at link time.
package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a multi-line human-readable build description.
func Info() string {
	return fmt.Sprintf("Coreplane %s\n  commit: %s\n  built:  %s", Version, Commit, BuildDate)
}

// Map returns build metadata for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"built":   BuildDate,
	}
}
