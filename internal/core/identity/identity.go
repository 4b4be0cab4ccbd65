// Package identity tracks the person and group state of a client session and
// builds the snapshots the coalescer sends.
//
// A snapshot carries AnonDistinctID only when it was produced by a call that
// moved the session to a different distinct id. Re-identifying with the
// current id, setting properties and joining groups never carry it.
package identity

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/internal/core"
)

var (
	// ErrEmptyDistinctID is returned when identifying with an empty id.
	ErrEmptyDistinctID = errors.New("distinct id is required")
	// ErrEmptyGroup is returned when a group type or key is empty.
	ErrEmptyGroup = errors.New("group type and key are required")
)

// Options configures a Provider.
type Options struct {
	ProjectToken string
	// BootstrapDistinctID replaces the generated anonymous id.
	BootstrapDistinctID string
	// InitialProperties are merged into person properties once the person
	// has been identified or has had properties set.
	InitialProperties core.Properties
	// NewID generates anonymous ids. Defaults to NewAnonymousID.
	NewID  func() string
	Logger core.Logger
}

// Provider owns identity state. It is safe for concurrent use.
type Provider struct {
	token   string
	initial core.Properties
	newID   func() string
	logger  core.Logger

	mu               sync.Mutex
	distinctID       string
	personProcessed  bool
	personProperties core.Properties
	groups           map[string]string
	groupProperties  map[string]core.Properties
}

// New builds a Provider starting from the bootstrap id or a fresh anonymous id.
func New(opts Options) *Provider {
	newID := opts.NewID
	if newID == nil {
		newID = NewAnonymousID
	}

	p := &Provider{
		token:   opts.ProjectToken,
		initial: copyProps(opts.InitialProperties),
		newID:   newID,
		logger:  core.LoggerOrNop(opts.Logger),
	}
	p.resetLocked(opts.BootstrapDistinctID)
	return p
}

// NewAnonymousID returns a time-ordered UUID, falling back to a random one.
func NewAnonymousID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// DistinctID returns the current distinct id.
func (p *Provider) DistinctID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.distinctID
}

// Snapshot returns the current state without an anonymous id. It is used for
// startup and explicit reloads.
func (p *Provider) Snapshot() core.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked("")
}

// SnapshotFrom returns the current state, carrying previousID as the
// anonymous id when the session has since moved to a different id.
func (p *Provider) SnapshotFrom(previousID string) core.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	anon := ""
	if previousID != "" && previousID != p.distinctID {
		anon = previousID
	}
	return p.snapshotLocked(anon)
}

// Identify switches the session to id and merges props into the person
// properties. changed reports whether a sync is warranted: the id moved or
// new properties were supplied.
func (p *Provider) Identify(id string, props core.Properties) (snapshot core.Snapshot, changed bool, err error) {
	if id == "" {
		return core.Snapshot{}, false, ErrEmptyDistinctID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	previous := p.distinctID
	p.distinctID = id
	p.personProcessed = true
	mergeInto(p.personProperties, props)

	anon := ""
	if previous != id {
		anon = previous
		p.logger.Debug("Distinct id changed",
			zap.String("previous", previous),
			zap.String("distinct_id", id))
	}
	return p.snapshotLocked(anon), anon != "" || len(props) > 0, nil
}

// Group associates the session with key for groupType. changed reports
// whether the key moved or new group properties were supplied.
func (p *Provider) Group(groupType, key string, props core.Properties) (snapshot core.Snapshot, changed bool, err error) {
	if groupType == "" || key == "" {
		return core.Snapshot{}, false, ErrEmptyGroup
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	previous, existed := p.groups[groupType]
	p.groups[groupType] = key
	if existed && previous != key {
		// properties belong to the old group
		delete(p.groupProperties, groupType)
	}
	if len(props) > 0 {
		existing, ok := p.groupProperties[groupType]
		if !ok {
			existing = core.Properties{}
			p.groupProperties[groupType] = existing
		}
		mergeInto(existing, props)
	}

	return p.snapshotLocked(""), previous != key || len(props) > 0, nil
}

// SetPersonProperties merges props into the person properties. changed is
// false when props is empty.
func (p *Provider) SetPersonProperties(props core.Properties) (snapshot core.Snapshot, changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(props) > 0 {
		p.personProcessed = true
		mergeInto(p.personProperties, props)
	}
	return p.snapshotLocked(""), len(props) > 0
}

// Reset forgets person and group state and starts a new anonymous session.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked("")
}

func (p *Provider) resetLocked(bootstrap string) {
	id := bootstrap
	if id == "" {
		id = p.newID()
	}
	p.distinctID = id
	p.personProcessed = false
	p.personProperties = core.Properties{}
	p.groups = make(map[string]string)
	p.groupProperties = make(map[string]core.Properties)
}

func (p *Provider) snapshotLocked(anon string) core.Snapshot {
	person := core.Properties{}
	if p.personProcessed {
		mergeInto(person, p.initial)
	}
	mergeInto(person, p.personProperties)

	return core.NewSnapshot(core.SnapshotInput{
		ProjectToken:     p.token,
		DistinctID:       p.distinctID,
		AnonDistinctID:   anon,
		PersonProperties: person,
		Groups:           p.groups,
		GroupProperties:  p.groupProperties,
	})
}

func mergeInto(dst, src core.Properties) {
	for k, v := range src {
		dst[k] = v
	}
}

func copyProps(src core.Properties) core.Properties {
	out := make(core.Properties, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
