package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// BuildInfo is the build metadata reported by the CLI and the API.
type BuildInfo struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}

// Info returns the build metadata set at link time.
func Info() BuildInfo {
	return BuildInfo{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("canopy %s (%s, built %s)", b.Version, b.GitSHA, b.BuildTime)
}
