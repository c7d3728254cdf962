// Package version exposes the relay's build version.
package version

import (
	"fmt"
	"runtime/debug"
)

// Overridable via ldflags at build time.
var (
	Version    = "dev"
	CommitHash = ""
)

// GetInfo returns the version string, with the short commit hash when known.
// Without ldflags the hash is recovered from the embedded VCS build info.
func GetInfo() string {
	if CommitHash == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					CommitHash = setting.Value
				}
			}
		}
	}

	res := Version
	if CommitHash != "" {
		shortHash := CommitHash
		if len(shortHash) > 7 {
			shortHash = shortHash[:7]
		}
		res += fmt.Sprintf(" (%s)", shortHash)
	}
	return res
}
