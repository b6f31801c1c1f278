// Package version provides build information for the BLE tracker tools
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Set via -ldflags "-X ble-tracker/internal/version.GitCommit=..."
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildDate = "unknown"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string
	GitCommit string
	GitBranch string
	BuildDate string
	GoVersion string
	Platform  string
}

// GetBuildInfo returns complete build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// ShortCommit returns the first seven characters of the commit, or "" when
// the binary was built without one
func (b BuildInfo) ShortCommit() string {
	if b.GitCommit == "unknown" {
		return ""
	}
	if len(b.GitCommit) > 7 {
		return b.GitCommit[:7]
	}
	return b.GitCommit
}

// GetFullVersion returns the version with the short commit appended
func GetFullVersion() string {
	if c := GetBuildInfo().ShortCommit(); c != "" {
		return Version + "-" + c
	}
	return Version
}

// GetVersionInfo returns the multi-line text printed by --version
func GetVersionInfo(appName string) string {
	info := GetBuildInfo()

	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s", appName, info.Version)
	if c := info.ShortCommit(); c != "" {
		fmt.Fprintf(&b, " (commit %s)", c)
	}
	if info.GitBranch != "unknown" {
		fmt.Fprintf(&b, " on branch %s", info.GitBranch)
	}
	if info.BuildDate != "unknown" {
		fmt.Fprintf(&b, "\nBuilt: %s", info.BuildDate)
	}
	fmt.Fprintf(&b, "\nGo: %s\nPlatform: %s", info.GoVersion, info.Platform)
	return b.String()
}
