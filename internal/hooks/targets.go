// Package hooks connects the staging lifecycle and the font patcher to the
// PlatformIO build: target detection, environment access and the pre/post
// actions on the filesystem image.
package hooks

import (
	"sort"
	"strings"
)

// Target is a PlatformIO build target class.
type Target int

const (
	TargetFirmware Target = iota
	TargetUpload
	TargetBuildFS
	TargetUploadFS
	TargetClean
	TargetOther
)

var targetNames = map[Target]string{
	TargetFirmware: "firmware",
	TargetUpload:   "upload",
	TargetBuildFS:  "buildfs",
	TargetUploadFS: "uploadfs",
	TargetClean:    "clean",
	TargetOther:    "other",
}

func (t Target) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseTarget maps one PlatformIO target name.
func ParseTarget(name string) Target {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "buildprog", "program", "firmware":
		return TargetFirmware
	case "upload", "uploadota":
		return TargetUpload
	case "buildfs":
		return TargetBuildFS
	case "uploadfs", "uploadfsota":
		return TargetUploadFS
	case "clean", "cleanall":
		return TargetClean
	default:
		return TargetOther
	}
}

// TargetSet is the set of targets requested for a build.
type TargetSet map[Target]struct{}

// ParseTargets maps the targets passed on the PlatformIO command line. No
// targets means a plain firmware build.
func ParseTargets(names []string) TargetSet {
	set := TargetSet{}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		set[ParseTarget(name)] = struct{}{}
	}
	if len(set) == 0 {
		set[TargetFirmware] = struct{}{}
	}
	return set
}

// Has reports whether t was requested.
func (s TargetSet) Has(t Target) bool {
	_, ok := s[t]
	return ok
}

// Filesystem reports whether a filesystem image is being built or uploaded.
func (s TargetSet) Filesystem() bool {
	return s.Has(TargetBuildFS) || s.Has(TargetUploadFS)
}

// Names returns the target names in a stable order.
func (s TargetSet) Names() []string {
	targets := make([]int, 0, len(s))
	for t := range s {
		targets = append(targets, int(t))
	}
	sort.Ints(targets)

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, Target(t).String())
	}
	return names
}
