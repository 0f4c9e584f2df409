package boxclient

import (
	"runtime/debug"
)

// Version is the boxclient release.
const Version = "1.1.0"

const singBoxModule = "github.com/sagernet/sing-box"

// BuildVersion returns a human readable build identifier, including the sing-box version the
// binary was built with when the build info is available.
func BuildVersion() string {
	v := "boxclient " + Version
	if ev := engineModuleVersion(); ev != "" {
		v += " (sing-box " + ev + ")"
	}
	return v
}

func engineModuleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, dep := range info.Deps {
		if dep.Path != singBoxModule {
			continue
		}
		if dep.Replace != nil && dep.Replace.Version != "" {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return ""
}
