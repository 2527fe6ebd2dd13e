package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const devVersion = "dev"

// Injected at build time with -ldflags "-X github.com/chunkdl/chunkdl/pkg/version.Version=..."
var (
	Version    string
	CommitHash string
	BuildTime  string
	Prerelease string
	OS         string
	Arch       string
)

// GetVersion returns a human readable version, e.g. "1.2.0(abc123)-rc1/linux-amd64".
// Builds without injected values fall back to the module version recorded by
// the Go toolchain, then to "dev".
func GetVersion() string {
	v, commit := Version, CommitHash
	if v == "" {
		v, commit = buildInfoVersion()
	}
	return makeVersionString(v, commit, Prerelease, OS, Arch)
}

// UserAgent is sent on every outgoing request.
func UserAgent() string {
	return "chunkdl/" + GetVersion()
}

func buildInfoVersion() (string, string) {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return devVersion, ""
	}
	var revision string
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			revision = s.Value[:7]
		}
	}
	return strings.TrimPrefix(info.Main.Version, "v"), revision
}

func makeVersionString(version, commitHash, prerelease, os, arch string) string {
	var b strings.Builder
	b.WriteString(version)
	if commitHash != "" {
		fmt.Fprintf(&b, "(%s)", commitHash)
	}
	if prerelease != "" {
		fmt.Fprintf(&b, "-%s", prerelease)
	}
	switch {
	case os != "" && arch != "":
		fmt.Fprintf(&b, "/%s-%s", os, arch)
	case os != "":
		fmt.Fprintf(&b, "/%s", os)
	}
	return b.String()
}
