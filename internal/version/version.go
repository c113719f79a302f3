// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

// set via -ldflags at build time
var (
	version   = "dev"
	buildTime string
	gitBranch string
	gitCommit string
)

type VersionInfo struct {
	Version   string
	BuildTime string
	GitBranch string
	GitCommit string

	GoVersion string
	GoOS      string
	GoArch    string
}

// Info returns the version information
func Info() VersionInfo {
	return VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GitBranch: gitBranch,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}

// String formats the version for --version output
func (v VersionInfo) String() string {
	commit := v.GitCommit
	if commit == "" {
		commit = "unknown"
	}
	return fmt.Sprintf("raplprof %s (commit %s, branch %s, built %s) %s %s/%s",
		v.Version, commit, v.GitBranch, v.BuildTime, v.GoVersion, v.GoOS, v.GoArch)
}
