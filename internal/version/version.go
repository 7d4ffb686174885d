// Package version carries the build identity stamped in at link time:
//
//	go build -ldflags "-X github.com/avas-r/jobmesh/internal/version.Version=v1.2.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String renders the one-line form used in startup logs.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime)
}

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
