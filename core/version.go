package core

var (
	// Version is the engine version reported in telemetry and by the CLI
	Version = "development"

	// APIVersion is the current HTTP API version
	APIVersion = "v1"
)
