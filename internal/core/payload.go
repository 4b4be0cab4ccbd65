package core

// Payload is the JSON body of a flags sync request.
type Payload struct {
	Token            string                `json:"token"`
	DistinctID       string                `json:"distinct_id"`
	AnonDistinctID   string                `json:"$anon_distinct_id,omitempty"`
	PersonProperties Properties            `json:"person_properties"`
	Groups           map[string]string     `json:"groups"`
	GroupProperties  map[string]Properties `json:"group_properties,omitempty"`
}

// Payload converts the snapshot to its wire form. person_properties and
// groups are always present; group_properties is omitted when empty.
func (s Snapshot) Payload() Payload {
	p := Payload{
		Token:            s.ProjectToken,
		DistinctID:       s.DistinctID,
		PersonProperties: s.PersonProperties,
		Groups:           s.Groups,
	}
	if anon, ok := s.Anon(); ok {
		p.AnonDistinctID = anon
	}
	if p.PersonProperties == nil {
		p.PersonProperties = Properties{}
	}
	if p.Groups == nil {
		p.Groups = map[string]string{}
	}
	if len(s.GroupProperties) > 0 {
		p.GroupProperties = s.GroupProperties
	}
	return p
}

// Snapshot converts a received payload back to a Snapshot.
func (p Payload) Snapshot() Snapshot {
	return NewSnapshot(SnapshotInput{
		ProjectToken:     p.Token,
		DistinctID:       p.DistinctID,
		AnonDistinctID:   p.AnonDistinctID,
		PersonProperties: p.PersonProperties,
		Groups:           p.Groups,
		GroupProperties:  p.GroupProperties,
	})
}

// FlagsResponse is the backend's answer to a sync request. Flags carries the
// v2 per-flag detail; FeatureFlags is the flat key to value view.
type FlagsResponse struct {
	FeatureFlags              map[string]any        `json:"featureFlags"`
	FeatureFlagPayloads       map[string]any        `json:"featureFlagPayloads,omitempty"`
	Flags                     map[string]FlagDetail `json:"flags,omitempty"`
	ErrorsWhileComputingFlags bool                  `json:"errorsWhileComputingFlags,omitempty"`
	RequestID                 string                `json:"requestId,omitempty"`
}

// FlagDetail is one evaluated flag in a v2 response.
type FlagDetail struct {
	Key      string       `json:"key"`
	Enabled  bool         `json:"enabled"`
	Variant  *string      `json:"variant,omitempty"`
	Metadata FlagMetadata `json:"metadata"`
}

// FlagMetadata holds optional per-flag extras.
type FlagMetadata struct {
	Payload any `json:"payload,omitempty"`
}

// Value returns the flat flag value: the variant when set, else enabled.
func (d FlagDetail) Value() any {
	if d.Variant != nil {
		return *d.Variant
	}
	return d.Enabled
}
