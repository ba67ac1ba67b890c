package version

import (
	"runtime/debug"
)

var (
	// These will be set via -ldflags during build
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is a struct containing all version information
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the version information
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	ret := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}
