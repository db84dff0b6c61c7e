package device

import (
	"strings"
	"time"
)

// Field paths used in change-sets.
const (
	PathConnectionStatus = "connection_status"
	PathPrintStatus      = "print_status"
	PathJob              = "job"
	PathJobFilename      = "job.filename"
	PathJobProgress      = "job.progress_percent"
	PathJobCurrentLayer  = "job.current_layer"
	PathJobTotalLayers   = "job.total_layers"
	PathJobETA           = "job.eta_seconds"
	PrefixTemperatures   = "temperatures."
	PrefixFans           = "fans."
	PrefixLights         = "lights."
	PrefixJob            = "job."
	suffixCurrent        = ".current_c"
	suffixTarget         = ".target_c"
)

// TemperatureCurrentPath returns the path of a zone's current reading.
func TemperatureCurrentPath(z Zone) string {
	return PrefixTemperatures + string(z) + suffixCurrent
}

// TemperatureTargetPath returns the path of a zone's target.
func TemperatureTargetPath(z Zone) string {
	return PrefixTemperatures + string(z) + suffixTarget
}

// FanPath returns the path of a fan duty.
func FanPath(id FanID) string {
	return PrefixFans + string(id)
}

// LightPath returns the path of a light.
func LightPath(id LightID) string {
	return PrefixLights + string(id)
}

// debounced reports whether notifications for path are coalesced.
// Status, lights and the job object itself are always immediate.
func debounced(path string) bool {
	switch path {
	case PathJobProgress, PathJobCurrentLayer, PathJobTotalLayers, PathJobETA:
		return true
	}
	return strings.HasPrefix(path, PrefixTemperatures) || strings.HasPrefix(path, PrefixFans)
}

// Change is one field update.
type Change struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// ChangeSet is what subscribers receive.
//
// A resync ChangeSet carries the full Snapshot and no Changes.
type ChangeSet struct {
	Revision uint64    `json:"revision"`
	At       time.Time `json:"at"`
	Changes  []Change  `json:"changes,omitempty"`
	Snapshot *State    `json:"snapshot,omitempty"`
}

// Empty reports whether the change-set carries nothing.
func (cs ChangeSet) Empty() bool {
	return len(cs.Changes) == 0 && cs.Snapshot == nil
}

// Full reports whether this is a full-snapshot resync.
func (cs ChangeSet) Full() bool {
	return cs.Snapshot != nil
}

// Has reports whether path changed.
func (cs ChangeSet) Has(path string) bool {
	_, ok := cs.Value(path)
	return ok
}

// HasPrefix reports whether any changed path starts with prefix.
func (cs ChangeSet) HasPrefix(prefix string) bool {
	for _, c := range cs.Changes {
		if strings.HasPrefix(c.Path, prefix) {
			return true
		}
	}
	return false
}

// Value returns the last value recorded for path.
func (cs ChangeSet) Value(path string) (any, bool) {
	for i := len(cs.Changes) - 1; i >= 0; i-- {
		if cs.Changes[i].Path == path {
			return cs.Changes[i].Value, true
		}
	}
	return nil, false
}

// FullChangeSet wraps a snapshot as a resync change-set.
func FullChangeSet(s *State) ChangeSet {
	return ChangeSet{Revision: s.Revision, At: s.UpdatedAt, Snapshot: s}
}
