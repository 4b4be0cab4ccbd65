package core

import (
	"reflect"
)

// Properties is a JSON object of person or group properties.
type Properties map[string]any

// Snapshot is an immutable capture of the identity, person properties and
// groups that a sync request sends to the backend. Build snapshots with
// NewSnapshot; the maps are copied so later mutation by the caller is never
// observed.
type Snapshot struct {
	ProjectToken     string
	DistinctID       string
	AnonDistinctID   *string
	PersonProperties Properties
	Groups           map[string]string
	GroupProperties  map[string]Properties
}

// SnapshotInput carries the fields used to build a Snapshot.
type SnapshotInput struct {
	ProjectToken     string
	DistinctID       string
	AnonDistinctID   string
	PersonProperties Properties
	Groups           map[string]string
	GroupProperties  map[string]Properties
}

// NewSnapshot builds a Snapshot from input, deep-copying every map. An empty
// AnonDistinctID leaves the field absent.
func NewSnapshot(in SnapshotInput) Snapshot {
	s := Snapshot{
		ProjectToken:     in.ProjectToken,
		DistinctID:       in.DistinctID,
		PersonProperties: copyProperties(in.PersonProperties),
		Groups:           make(map[string]string, len(in.Groups)),
	}
	if s.PersonProperties == nil {
		s.PersonProperties = Properties{}
	}
	if in.AnonDistinctID != "" {
		anon := in.AnonDistinctID
		s.AnonDistinctID = &anon
	}
	for groupType, groupKey := range in.Groups {
		s.Groups[groupType] = groupKey
	}
	if len(in.GroupProperties) > 0 {
		s.GroupProperties = make(map[string]Properties, len(in.GroupProperties))
		for groupType, props := range in.GroupProperties {
			s.GroupProperties[groupType] = copyProperties(props)
		}
	}
	return s
}

// Anon returns the anonymous distinct id and whether it is present.
func (s Snapshot) Anon() (string, bool) {
	if s.AnonDistinctID == nil {
		return "", false
	}
	return *s.AnonDistinctID, true
}

// Equal reports whether two snapshots are structurally equal.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.ProjectToken != other.ProjectToken || s.DistinctID != other.DistinctID {
		return false
	}
	a, aok := s.Anon()
	b, bok := other.Anon()
	if aok != bok || a != b {
		return false
	}
	// nil and empty maps compare equal
	return equalMaps(s.PersonProperties, other.PersonProperties) &&
		equalMaps(s.Groups, other.Groups) &&
		equalMaps(s.GroupProperties, other.GroupProperties)
}

func equalMaps[V any](a, b map[string]V) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func copyProperties(in Properties) Properties {
	if in == nil {
		return nil
	}
	out := make(Properties, len(in))
	for key, value := range in {
		out[key] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case Properties:
		return copyProperties(v)
	case map[string]any:
		return map[string]any(copyProperties(Properties(v)))
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = copyValue(v[i])
		}
		return out
	default:
		return v
	}
}
