package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running bridge; every other change takes effect on the
// next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProvidersChanged is true if any provider, fallback, journal,
	// synthesis or transcription setting changed.
	ProvidersChanged bool

	DirectionsChanged bool            // true if any direction was added, removed or modified
	DirectionChanges  []DirectionDiff // per-direction diffs
}

// RequiresRestart reports whether d contains changes that only take effect
// after the bridge is restarted.
func (d ConfigDiff) RequiresRestart() bool {
	return d.ProvidersChanged || d.DirectionsChanged
}

// DirectionDiff describes what changed for a single direction between two
// configs.
type DirectionDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Providers, new.Providers) ||
		!reflect.DeepEqual(old.LLMFallbacks, new.LLMFallbacks) ||
		old.Journal != new.Journal ||
		old.Synthesis != new.Synthesis ||
		!reflect.DeepEqual(old.Transcription, new.Transcription) {
		d.ProvidersChanged = true
	}

	// Build direction lookup maps keyed by name.
	oldDirs := make(map[string]*DirectionConfig, len(old.Directions))
	for i := range old.Directions {
		oldDirs[old.Directions[i].Name] = &old.Directions[i]
	}
	newDirs := make(map[string]*DirectionConfig, len(new.Directions))
	for i := range new.Directions {
		newDirs[new.Directions[i].Name] = &new.Directions[i]
	}

	// Modified and removed directions, in old order.
	for _, od := range old.Directions {
		nd, exists := newDirs[od.Name]
		switch {
		case !exists:
			d.DirectionChanges = append(d.DirectionChanges, DirectionDiff{Name: od.Name, Removed: true})
		case od != *nd:
			d.DirectionChanges = append(d.DirectionChanges, DirectionDiff{Name: od.Name, Modified: true})
		}
	}

	// Added directions, in new order.
	for _, nd := range new.Directions {
		if _, exists := oldDirs[nd.Name]; !exists {
			d.DirectionChanges = append(d.DirectionChanges, DirectionDiff{Name: nd.Name, Added: true})
		}
	}

	d.DirectionsChanged = len(d.DirectionChanges) > 0
	return d
}
