// Package version reports build metadata for chronofs binaries.
//
// Version, Commit, and Date are injected with -ldflags at release build
// time:
//
//	-ldflags "-X github.com/chronofs/chronofs/version.Version=v1.0.0"
//
// Development builds fall back to module build info from
// debug.ReadBuildInfo, so `go install` and local builds still report a
// usable identity.
package version
