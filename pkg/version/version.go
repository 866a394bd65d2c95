package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are populated by the build process
var (
	// Version is the version of the build
	Version = "dev"
	// BuildTime is the time when the build was created
	BuildTime = "unknown"
)

// GetVersionInfo returns a formatted string with version information
func GetVersionInfo() string {
	return fmt.Sprintf("ctutor v%s (built: %s, %s/%s, delve %s)",
		Version,
		BuildTime,
		runtime.GOOS,
		runtime.GOARCH,
		DelveVersion(),
	)
}

// GetVersion returns just the version number
func GetVersion() string {
	return Version
}

// DelveVersion reports the Delve client library linked into the binary
func DelveVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path == "github.com/go-delve/delve" {
			return dep.Version
		}
	}
	return "unknown"
}
