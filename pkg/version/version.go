// Package version reports the build identity shown on the health
// endpoint and in the startup log banner.
package version

import "runtime/debug"

// AppName prefixes every version string.
const AppName = "callaudit"

// release is stamped via -ldflags for tagged container builds, where the
// git checkout is not available at compile time.
var release string

// Full returns "callaudit/<id>": the stamped release when present,
// otherwise the short VCS revision from build info, otherwise "dev"
// (local builds, go test).
func Full() string {
	return AppName + "/" + identifier()
}

func identifier() string {
	if release != "" {
		return release
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 8 {
				return s.Value[:8]
			}
		}
	}
	return "dev"
}
