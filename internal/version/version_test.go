package version

import (
	"runtime/debug"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	var info Info
	fromBuildInfo(&info, bi)
	if info.Version != "v0.3.1" {
		t.Fatalf("Version = %q", info.Version)
	}
	if info.Commit != "0123456789abcdef0123-dirty" {
		t.Fatalf("Commit = %q", info.Commit)
	}
	if info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("BuildTime = %q", info.BuildTime)
	}
}

func TestFromBuildInfoKeepsLinkerValues(t *testing.T) {
	t.Parallel()
	info := Info{Version: "1.0.0", Commit: "feedface"}
	fromBuildInfo(&info, &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "other"}},
	})
	if info.Version != "1.0.0" || info.Commit != "feedface" {
		t.Fatalf("linker values overwritten: %+v", info)
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	t.Parallel()
	info := Resolve()
	if info.Version == "" || info.GoVersion == "" {
		t.Fatalf("incomplete info: %+v", info)
	}
	if String() == "" {
		t.Fatal("String() is empty")
	}
}

func TestShortCommit(t *testing.T) {
	t.Parallel()
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortCommit = %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("shortCommit = %q", got)
	}
}
