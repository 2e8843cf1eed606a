// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/skylink/pkg/version.tag=v0.3.0
//	  -X github.com/NicolasHaas/skylink/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/skylink/pkg/version.date=2026-10-01"
package version

import "runtime"

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns a short version: the tag, the commit, or "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "skylink <version> (<commit>) built <date> <goversion>".
func Full() string {
	return "skylink " + String() + " (" + commit + ") built " + date + " " + runtime.Version()
}

// Labels returns the values exported by the skylink_build_info metric.
func Labels() map[string]string {
	return map[string]string{
		"version":   String(),
		"commit":    commit,
		"date":      date,
		"goversion": runtime.Version(),
	}
}
