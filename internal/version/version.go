package version

import (
	"runtime/debug"
	"strings"
)

var (
	Version = "0.1.0"
	Commit  = ""
)

// Resolve returns the release version, suffixed with the short VCS revision
// when one is known from ldflags or the embedded build info.
func Resolve() string {
	return resolveVersion(Version, Commit, debug.ReadBuildInfo)
}

func resolveVersion(base, commit string, buildInfo func() (*debug.BuildInfo, bool)) string {
	if base == "" {
		base = "0.0.0"
	}

	revision, dirty := strings.TrimSpace(commit), false
	if revision == "" {
		revision, dirty = vcsRevision(buildInfo)
	}
	if revision == "" {
		return base
	}

	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		revision += ".dirty"
	}
	return base + "+" + revision
}

func vcsRevision(buildInfo func() (*debug.BuildInfo, bool)) (string, bool) {
	if buildInfo == nil {
		return "", false
	}
	info, ok := buildInfo()
	if !ok || info == nil {
		return "", false
	}

	var revision string
	var dirty bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return revision, dirty
}
