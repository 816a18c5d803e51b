// Package version exposes the engine version and the build information
// embedded in the binary.
package version

import (
	"runtime/debug"
	"sort"
)

// Version is the engine version, stamped at build time:
//
//	go build -ldflags "-X weave.evalgo.org/version.Version=v1.2.0"
var Version = "dev"

// Resolve returns the stamped Version, falling back to the module
// version recorded in the binary when no stamp was applied.
func Resolve() string {
	if Version != "dev" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	return Version
}

// DependencyInfo is one module dependency compiled into the binary.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo is the build-time information embedded by the Go toolchain.
type BuildInfo struct {
	GoVersion    string           `json:"go_version"`
	MainModule   string           `json:"main_module"`
	MainVersion  string           `json:"main_version"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo reads the binary's embedded module information. Binaries
// built outside module mode report unknown.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	buildInfo := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  info.Main.Version,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}
	for _, dep := range info.Deps {
		depInfo := DependencyInfo{
			Path:    dep.Path,
			Version: dep.Version,
		}
		if dep.Replace != nil {
			depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		buildInfo.Dependencies = append(buildInfo.Dependencies, depInfo)
	}

	sort.Slice(buildInfo.Dependencies, func(i, j int) bool {
		return buildInfo.Dependencies[i].Path < buildInfo.Dependencies[j].Path
	})

	return buildInfo
}
