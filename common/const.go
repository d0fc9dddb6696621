package common

var (
	Version = "dmapi v1.0"

	// default paths (can be overridden by ldflags)
	DefaultStateDir = "/var/lib/dmapid"
)
