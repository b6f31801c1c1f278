package version

import (
	"strings"
	"testing"
)

func TestGetVersionInfo(t *testing.T) {
	defer func(c, b string) { GitCommit, GitBranch = c, b }(GitCommit, GitBranch)

	GitCommit, GitBranch = "unknown", "unknown"
	info := GetVersionInfo("ble-tracker")
	if !strings.HasPrefix(info, "ble-tracker version "+Version+"\n") {
		t.Fatalf("Unexpected version info: %q", info)
	}
	if GetFullVersion() != Version {
		t.Errorf("Expected %s without a commit, got %s", Version, GetFullVersion())
	}

	GitCommit, GitBranch = "0123456789abcdef", "main"
	info = GetVersionInfo("ble-tracker")
	if !strings.Contains(info, "(commit 0123456) on branch main") {
		t.Errorf("Expected short commit and branch in %q", info)
	}
	if GetFullVersion() != Version+"-0123456" {
		t.Errorf("Unexpected full version %s", GetFullVersion())
	}
}
