package health

import (
	"os"
	"runtime"
	"runtime/debug"

	"github.com/saiset-co/kpulse/types"
)

func serviceInfo(name, version string) types.ServiceInfo {
	info := types.ServiceInfo{
		Name:      name,
		Version:   version,
		Revision:  os.Getenv("BUILD_COMMIT"),
		GoVersion: runtime.Version(),
	}

	if info.Revision != "" {
		return info
	}

	if build, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range build.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				info.Revision = setting.Value[:7]
			}
		}
	}

	return info
}
