package core

// Version information for the lab scheduler.
const (
	// Version is the current scheduler version
	Version = "development"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
