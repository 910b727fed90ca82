package version

import (
	"os"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X devlog.app/licenses/internal/version.Version=1.2.3".
var Version = "dev"

// String returns the build version. Unstamped builds fall back to the VCS
// revision recorded by the toolchain, if any.
func String() string {
	if Version != "" && Version != "dev" {
		return strings.TrimPrefix(Version, "v")
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return strings.TrimPrefix(v, "v")
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return "dev-" + setting.Value[:7]
		}
	}
	return "dev"
}

// LoadFile sets Version from a VERSION file when the binary was not stamped.
func LoadFile(path string) {
	if Version != "" && Version != "dev" {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if v := strings.TrimSpace(string(b)); v != "" {
		Version = v
	}
}
