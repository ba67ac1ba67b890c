package version

import "testing"

func TestGetReflectsLdflagVars(t *testing.T) {
	origRepo, origBranch, origCommit, origTime := GitRepo, GitBranch, GitCommit, BuildTime
	defer func() {
		GitRepo, GitBranch, GitCommit, BuildTime = origRepo, origBranch, origCommit, origTime
	}()

	GitRepo = "github.com/qudi-go/qudicore"
	GitBranch = "main"
	GitCommit = "abc123"
	BuildTime = "2026-07-31T00:00:00Z"

	info := Get()
	if info.GitRepo != GitRepo || info.GitBranch != GitBranch || info.GitCommit != GitCommit || info.BuildTime != BuildTime {
		t.Fatalf("Get() = %+v, want values matching the package vars it was read from", info)
	}
}

func TestGetPopulatesBuildInfoUnderGoTest(t *testing.T) {
	info := Get()
	if info.BuildInfo == nil {
		t.Fatal("expected debug.ReadBuildInfo to succeed under go test and populate BuildInfo")
	}
}
