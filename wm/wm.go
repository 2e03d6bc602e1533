// Package wm defines the shared temporal data model of the world model:
// object identifiers, time-stamped attributes, and world-state maps that
// flow between the engine, the subscription bus, the persistence layer,
// and the network sessions.
package wm

import "time"

// URI is the user-supplied text identifier of an object. It is the primary
// key for everything the world model stores.
type URI = string

// Time is a signed millisecond timestamp. Zero in an expiration field means
// "never expired".
type Time = int64

// CreationAttribute is the reserved attribute name that records an object's
// lifecycle. Its creation time is the object's birth and its expiration time
// the object's death. It exists for every live URI and attribute-scoped
// deletes silently skip it.
const CreationAttribute = "creation"

// Now returns the current time as a millisecond timestamp.
func Now() Time {
	return time.Now().UnixMilli()
}

// Attribute is a single time-stamped fact about an object.
type Attribute struct {
	Name       string
	Creation   Time
	Expiration Time
	Origin     string
	Data       []byte
}

// Key identifies the current-state slot an attribute occupies. Within one
// URI at most one current attribute may hold a given key.
type Key struct {
	Name   string
	Origin string
}

// Key returns the slot key of the attribute.
func (a Attribute) Key() Key {
	return Key{Name: a.Name, Origin: a.Origin}
}

// WithoutData returns a copy of the attribute with the payload elided.
func (a Attribute) WithoutData() Attribute {
	a.Data = nil
	return a
}

// NewCreation builds the lifecycle attribute stored when a URI is created.
func NewCreation(origin string, creation Time) Attribute {
	return Attribute{Name: CreationAttribute, Creation: creation, Origin: origin}
}

// ObjectData pairs a URI with a batch of attributes bound for it. Solver
// data messages decode into ordered slices of these.
type ObjectData struct {
	URI        URI
	Attributes []Attribute
}

// WorldState maps URIs to their attributes. It is the common currency of
// snapshots, subscription deltas, and persistence results.
type WorldState map[URI][]Attribute

// Clone returns a deep copy of the state. Attribute payloads are shared;
// callers treat payload bytes as immutable.
func (ws WorldState) Clone() WorldState {
	if ws == nil {
		return nil
	}
	out := make(WorldState, len(ws))
	for uri, attrs := range ws {
		cp := make([]Attribute, len(attrs))
		copy(cp, attrs)
		out[uri] = cp
	}
	return out
}

// Merge folds other into ws, appending attributes per URI.
func (ws WorldState) Merge(other WorldState) {
	for uri, attrs := range other {
		ws[uri] = append(ws[uri], attrs...)
	}
}

// Empty reports whether the state carries no attributes at all.
func (ws WorldState) Empty() bool {
	for _, attrs := range ws {
		if len(attrs) > 0 {
			return false
		}
	}
	return true
}
