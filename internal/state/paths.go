package state

// Side documents live next to the destination database
const (
	StateSuffix   = ".state.json"
	SensorsSuffix = ".sensors.json"
	MetaSuffix    = ".meta.json"
)

// StatePath returns the per-source progress document of dest
func StatePath(dest string) string { return dest + StateSuffix }

// SensorsPath returns the global sensor map document of dest
func SensorsPath(dest string) string { return dest + SensorsSuffix }

// MetaPath returns the run metadata document of dest
func MetaPath(dest string) string { return dest + MetaSuffix }

// SidePaths returns all side documents of dest
func SidePaths(dest string) []string {
	return []string{StatePath(dest), SensorsPath(dest), MetaPath(dest)}
}
