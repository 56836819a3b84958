// Package main provides the responseforge command line.
// It serves the decision and remediation engine over HTTP and runs single
// alerts through it from files.
package main

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	Execute()
}
