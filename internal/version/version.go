// Package version reports the build of the SLA engine. The variables are
// stamped with -ldflags at release time.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag, or the branch name for untagged builds.
	Version = "dev"

	GitCommit = "unknown"
	BuildDate = "unknown"
)

// SchemaVersion is bumped whenever the SQL schema changes shape.
const SchemaVersion = 1

// Info is the JSON body of the version endpoint.
type Info struct {
	Version       string `json:"version"`
	GitCommit     string `json:"git_commit"`
	BuildDate     string `json:"build_date"`
	GoVersion     string `json:"go_version"`
	SchemaVersion int    `json:"schema_version"`
}

// GetInfo returns the running build.
func GetInfo() Info {
	return Info{
		Version:       Version,
		GitCommit:     GitCommit,
		BuildDate:     BuildDate,
		GoVersion:     runtime.Version(),
		SchemaVersion: SchemaVersion,
	}
}

// String formats the build as "v1.2.0 (abc1234) built 2025-01-06 with go1.24".
func String() string {
	return fmt.Sprintf("%s (%s) built %s with %s", Version, GitCommit, BuildDate, runtime.Version())
}
