// Package version holds the release version reported by the CLI.
package version

// Current is bumped on release. It carries no "v" prefix.
const Current = "0.1.0"
