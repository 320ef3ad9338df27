// Package sysinfo captures the runtime environment of a recording process,
// for attaching to ml_model records as "system_info" metadata.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"time"
)

// MetadataKey is the metadata key the CLI stores the snapshot under.
const MetadataKey = "system_info"

// Dependency is one module compiled into the binary.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Info is a snapshot of the host and build.
type Info struct {
	OS           string       `json:"os"`
	Arch         string       `json:"arch"`
	GoVersion    string       `json:"go_version"`
	NumCPU       int          `json:"num_cpu"`
	Hostname     string       `json:"hostname,omitempty"`
	Module       string       `json:"module,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	CapturedAt   int64        `json:"captured_at"`
}

// Collect snapshots the current process at now.
func Collect(now time.Time) *Info {
	info := &Info{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
		CapturedAt: now.Unix(),
	}
	if host, err := os.Hostname(); err == nil {
		info.Hostname = host
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Module = bi.Main.Path
		for _, dep := range bi.Deps {
			if dep.Replace != nil {
				dep = dep.Replace
			}
			info.Dependencies = append(info.Dependencies, Dependency{Path: dep.Path, Version: dep.Version})
		}
		sort.Slice(info.Dependencies, func(i, j int) bool {
			return info.Dependencies[i].Path < info.Dependencies[j].Path
		})
	}
	return info
}

// Metadata returns the snapshot as canonicalizable metadata values.
func (i *Info) Metadata() map[string]any {
	deps := make([]any, 0, len(i.Dependencies))
	for _, d := range i.Dependencies {
		deps = append(deps, map[string]any{"path": d.Path, "version": d.Version})
	}
	m := map[string]any{
		"os":          i.OS,
		"arch":        i.Arch,
		"go_version":  i.GoVersion,
		"num_cpu":     i.NumCPU,
		"captured_at": i.CapturedAt,
	}
	if i.Hostname != "" {
		m["hostname"] = i.Hostname
	}
	if i.Module != "" {
		m["module"] = i.Module
	}
	if len(deps) > 0 {
		m["dependencies"] = deps
	}
	return m
}
