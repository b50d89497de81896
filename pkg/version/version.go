package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

const (
	// Name is used as the product token of the User-Agent header.
	Name = "fission-runtime-client"
)

// Set at build time with -ldflags "-X github.com/fission/fission-runtime-client/pkg/version.Version=..."
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

func VersionInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

func (m Info) JSON() string {
	v, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(v)
}

// UserAgent is sent on every request to the control plane.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
