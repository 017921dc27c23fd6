// Package appinfo records the application build information.
package appinfo

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pre-defined variables set by LDFLAGS like below:
//
//	go build -ldflags '-X github.com/ocifetch/ocifetch/pkg/appinfo.version=v1.0.0'
var (
	version   = "dev"
	buildDate = "1970-01-01T00:00:00Z"
	gitCommit = ""
)

// Version records the application version plus build environment details.
type Version struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	BuildDate string `json:"build_date,omitempty" yaml:"build_date,omitempty"`
	GoVersion string `json:"go_version,omitempty" yaml:"go_version,omitempty"`
	Platform  string `json:"platform,omitempty" yaml:"platform,omitempty"`
}

// GetVersion returns the Version of the application.
func GetVersion() Version {
	return Version{
		Version:   version,
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// ShortVersion returns the short version string.
func ShortVersion() string {
	if len(gitCommit) > 7 {
		return version + "-" + gitCommit[:8]
	}
	return version
}

// Write renders the version in the given format, one of "text", "json" or
// "yaml".
func (v Version) Write(w io.Writer, appName, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		return yaml.NewEncoder(w).Encode(v)
	default:
		_, err := fmt.Fprintf(w, "%s version %s (commit %q, built %s, %s, %s)\n",
			appName, v.Version, v.GitCommit, v.BuildDate, v.GoVersion, v.Platform)
		return err
	}
}
