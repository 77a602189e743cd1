// Package version names the LLP release and the wire protocol it speaks.
package version

import (
	"runtime/debug"
	"strconv"

	"github.com/lostlove-net/llp/internal/constants"
)

// Release is the tagged version of this module.
const Release = "v0.1.0"

const modulePath = "github.com/lostlove-net/llp"

// String returns the version of the running build. When the binary was
// built from a module dependency with a tagged version, that tag wins over
// Release.
func String() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Release
	}
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) string {
	for _, dep := range info.Deps {
		if dep.Path == modulePath && isTagged(dep.Version) {
			return dep.Version
		}
	}
	return Release
}

func isTagged(v string) bool {
	return v != "" && v != "(devel)"
}

// Full prefixes String with the project name and appends the handshake
// protocol number.
func Full() string {
	return "LLP " + String() + " (protocol " + strconv.Itoa(int(constants.ProtocolVersion)) + ")"
}
