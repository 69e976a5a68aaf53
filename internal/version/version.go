// Package version exposes the build version string.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/chatloom/chatloom/internal/version.Version=...".
var Version = "dev"
