// Package version holds the build version, replaced at build time via
// -ldflags "-X github.com/mixstack/moe/version.Version=...".
package version

var Version string = "0.0.0"
