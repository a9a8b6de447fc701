package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
)

// Set at build time with -ldflags "-X .../internal/version.Version=1.2.3".
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

type Info struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get reports the build's version. When GitCommit was not injected the VCS
// revision recorded by the Go toolchain is used.
func Get() Info {
	major, minor, patch := parseSemver(Version)
	info := Info{
		Version:   Version,
		Major:     major,
		Minor:     minor,
		Patch:     patch,
		Built:     Built,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
	if info.GitCommit == "" {
		info.GitCommit = vcsRevision()
	}
	return info
}

func (i Info) String() string {
	parts := []string{"multiagent " + i.Version}
	if i.GitCommit != "" {
		parts = append(parts, "commit "+shortCommit(i.GitCommit))
	}
	if i.Built != "" {
		parts = append(parts, "built "+i.Built)
	}
	return fmt.Sprintf("%s (%s)", strings.Join(parts, ", "), i.GoVersion)
}

func parseSemver(value string) (int, int, int) {
	core := strings.TrimPrefix(value, "v")
	if index := strings.IndexAny(core, "-+"); index >= 0 {
		core = core[:index]
	}
	fields := strings.SplitN(core, ".", 3)
	numbers := [3]int{}
	for i, field := range fields {
		parsed, err := strconv.Atoi(field)
		if err != nil {
			return 0, 0, 0
		}
		numbers[i] = parsed
	}
	return numbers[0], numbers[1], numbers[2]
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
