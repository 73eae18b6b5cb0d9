// Package version holds the build version, stamped via -ldflags at release time.
package version

var Value = "dev"
