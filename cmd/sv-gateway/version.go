package main

// These are set via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)
