// Package buildinfo reports the tubedigest version. Release builds stamp
// it through -ldflags; `go install` builds fall back to the module
// version and VCS data embedded by the Go toolchain.
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/nugget/tubedigest/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var fillOnce sync.Once

// fill replaces unstamped values with what the toolchain recorded.
func fill() {
	fillOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && len(s.Value) >= 12 {
					GitCommit = s.Value[:12]
				}
			case "vcs.time":
				if BuildTime == "unknown" {
					BuildTime = s.Value
				}
			}
		}
	})
}

// Info returns build metadata for `tubedigest version`.
func Info() map[string]string {
	fill()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"user_agent": UserAgent(),
	}
}

// UserAgent identifies feed, caption and AI requests.
func UserAgent() string {
	fill()
	return "tubedigest/" + Version
}

// String is the one-line version banner.
func String() string {
	fill()
	return fmt.Sprintf("tubedigest %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// LogAttrs groups the version fields for the serve startup log line.
func LogAttrs() slog.Attr {
	fill()
	return slog.Group("build",
		slog.String("version", Version),
		slog.String("commit", GitCommit),
		slog.String("go", runtime.Version()),
	)
}
