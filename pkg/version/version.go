// Package version carries build metadata set through -ldflags:
//
//	-X github.com/dl-alexandre/ncsync/pkg/version.Version=v0.3.0
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

// Info is what `ncsync version` prints.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuiltAt   string `json:"builtAt"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
	Release   bool   `json:"release"`
}

func Get() *Info {
	return &Info{
		Version:   Version,
		Commit:    GitCommit,
		BuiltAt:   BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Release:   IsRelease(),
	}
}

// IsRelease reports whether the binary was stamped with a version.
func IsRelease() bool {
	return Version != "dev" && Version != ""
}

// UserAgent identifies sync traffic in the Drive request logs.
func UserAgent() string {
	return fmt.Sprintf("ncsync/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

func (i *Info) String() string {
	s := fmt.Sprintf("ncsync %s %s", i.Version, i.Platform)
	if i.Release {
		s += fmt.Sprintf(" commit %s, built %s", i.Commit, i.BuiltAt)
	}
	return s + ", " + i.GoVersion
}
