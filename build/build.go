package build

// Version information, overridden at link time.
var (
	Version = "dev"
	Date    = "unknown"
)
