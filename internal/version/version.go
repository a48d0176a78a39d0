// Package version carries the build-time version string, overridden via
// -ldflags at release build time.
package version

var Version = "dev"
