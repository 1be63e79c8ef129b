// Package version reports the build version of osjudge.
package version

import (
	"embed"
	"io"
	"runtime/debug"
	"strings"
)

//go:embed version.*
var versions embed.FS

// Version is read from version.txt (written by go generate) or the module build info
var Version = "(devel)"

func init() {
	Version = load()
}

func load() string {
	f, err := versions.Open("version.txt")
	if err != nil {
		// installed by go install
		inf, ok := debug.ReadBuildInfo()
		if !ok || inf.Main.Version == "" {
			return Version
		}
		return inf.Main.Version
	}
	defer f.Close()

	s, err := io.ReadAll(f)
	if err != nil {
		return Version
	}
	return strings.TrimSpace(string(s))
}
