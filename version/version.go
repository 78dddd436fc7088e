// Package version exposes build metadata stamped in at link time.
//
// Release builds pass -ldflags "-X github.com/teranos/hone/version.Version=..."
// (and Commit, Date); a plain `go build` reports a dev build.
package version

import (
	"fmt"
	"runtime"
)

// Stamped via ldflags. The defaults identify a from-source dev build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the JSON shape served by /api/status and `hone version --json`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get snapshots the stamped build metadata plus the running toolchain.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String renders the one-line form printed by `hone version`.
func (i Info) String() string {
	return fmt.Sprintf("hone %s (commit %s, built %s)", i.Version, i.Commit, i.Date)
}

// Short returns the abbreviated commit hash used in status payloads.
func (i Info) Short() string {
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}
