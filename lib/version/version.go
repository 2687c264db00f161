// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = ""
	BuildTime = ""
)

// Build describes the running binary.
type Build struct {
	Version   string
	Commit    string
	Modified  bool
	BuildTime string
	GoVersion string
	Platform  string
}

// Current returns the build information of the running binary.
func Current() Build {
	build := Build{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		build.fillFromSettings(info.Settings)
	}
	return build
}

// fillFromSettings uses the toolchain's vcs stamp for fields not set
// by ldflags.
func (b *Build) fillFromSettings(settings []debug.BuildSetting) {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = setting.Value
				if len(b.Commit) > 12 {
					b.Commit = b.Commit[:12]
				}
			}
		case "vcs.time":
			if b.BuildTime == "" {
				b.BuildTime = setting.Value
			}
		case "vcs.modified":
			b.Modified = setting.Value == "true"
		}
	}
}

// String returns the one-line form used by --version.
func (b Build) String() string {
	commit := b.Commit
	if commit == "" {
		commit = "unknown"
	}
	if b.Modified {
		commit += "-dirty"
	}
	buildTime := b.BuildTime
	if buildTime == "" {
		buildTime = "unknown"
	}
	return fmt.Sprintf("%s (%s, %s)", b.Version, commit, buildTime)
}

// Full adds the toolchain and platform to String.
func (b Build) Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s", b, b.GoVersion, b.Platform)
}
