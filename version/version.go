// Package version exposes build version information. Variables can be set at
// build time:
//
//	go build -ldflags "-X github.com/AltairaLabs/llmgateway/version.version=1.0.0"
package version

import (
	"runtime/debug"
)

const (
	devVersion     = "dev"
	shortCommitLen = 7
)

// Build-time variables, overridable with -ldflags.
var (
	version   = devVersion
	gitCommit = ""
	buildDate = ""
)

// Version returns the release version, falling back to module build info.
func Version() string {
	if version != devVersion {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return devVersion
}

// Commit returns the short git commit hash, or "" when unknown.
func Commit() string {
	if gitCommit != "" {
		return gitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			if len(setting.Value) > shortCommitLen {
				return setting.Value[:shortCommitLen]
			}
			return setting.Value
		}
	}
	return ""
}

// BuildInfo returns version details as structured log attributes.
func BuildInfo() []any {
	attrs := []any{"version", Version()}
	if commit := Commit(); commit != "" {
		attrs = append(attrs, "commit", commit)
	}
	if buildDate != "" {
		attrs = append(attrs, "built", buildDate)
	}
	return attrs
}
