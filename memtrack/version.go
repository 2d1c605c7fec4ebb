package memtrack

import "github.com/kolkov/memtrack/internal/track/config"

// Version information for the allocation tracker.
const (
	// Version is the current version of the tracker runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the tracker.
type Info struct {
	// Version is the runtime version string.
	Version string

	// ConfigSchema is the configuration schema version understood.
	ConfigSchema string

	// Enabled reports whether the shared instance accepts events.
	Enabled bool
}

// GetInfo returns information about the tracker runtime.
//
// Example:
//
//	info := memtrack.GetInfo()
//	fmt.Printf("memtrack %s (config %s)\n", info.Version, info.ConfigSchema)
func GetInfo() Info {
	t := shared.Load()
	return Info{
		Version:      Version,
		ConfigSchema: config.SchemaVersion,
		Enabled:      t == nil || !t.Closed(),
	}
}
