// Package store defines the persistence capability consumed by the engine
// and its SQL-backed implementations. All durable operations are staged
// through a pool of workers, each owning its own database connection, so
// the write path never blocks behind SQL latency longer than one task.
package store

import (
	"github.com/OwlPlatform/world-model/wm"
)

// Store is the capability set the engine consumes. Implementations are the
// MySQL and SQLite backends, the Null store for non-persistent mode, and
// test doubles.
//
// The mutating operations report what actually happened rather than
// returning errors: persistence failures are logged by the implementation
// and the in-memory state remains the truth.
type Store interface {
	// StoreAttributes persists new attribute rows for a URI and returns the
	// rows actually stored. Rows whose (uri, name, origin, creation) key
	// already exists are not stored again.
	StoreAttributes(uri wm.URI, attrs []wm.Attribute) []wm.Attribute

	// UpdateExpiration stamps expiration times onto rows that are not yet
	// expired and returns the rows actually updated. An entry named
	// "creation" expires every live row of the URI.
	UpdateExpiration(uri wm.URI, attrs []wm.Attribute) []wm.Attribute

	// DeleteURI purges all rows of a URI from history.
	DeleteURI(uri wm.URI) error

	// DeleteAttributes purges rows matching (uri, name, origin) from
	// history and returns the deleted rows' identities.
	DeleteAttributes(uri wm.URI, attrs []wm.Attribute) []wm.Attribute

	// FetchCurrent returns the unexpired rows matching the patterns.
	FetchCurrent(uriPattern, attrPattern, originPattern string) (wm.WorldState, error)

	// FetchSnapshotAt reconstructs the world state as of time t: rows with
	// creation <= t that were unexpired at t.
	FetchSnapshotAt(uriPattern, attrPattern, originPattern string, t wm.Time) (wm.WorldState, error)

	// FetchRange returns rows created within [t0, t1], ordered by creation
	// time ascending within each URI.
	FetchRange(uriPattern, attrPattern, originPattern string, t0, t1 wm.Time) (wm.WorldState, error)

	// Close releases the store's workers and connections.
	Close() error
}

// Null is the no-op collaborator used when the server runs without
// persistence. Mutations report full success so the write path behaves
// identically; fetches return empty states.
type Null struct{}

// NewNull returns the non-persistent store.
func NewNull() *Null { return &Null{} }

func (*Null) StoreAttributes(_ wm.URI, attrs []wm.Attribute) []wm.Attribute { return attrs }

func (*Null) UpdateExpiration(_ wm.URI, attrs []wm.Attribute) []wm.Attribute { return attrs }

func (*Null) DeleteURI(wm.URI) error { return nil }

func (*Null) DeleteAttributes(_ wm.URI, attrs []wm.Attribute) []wm.Attribute { return attrs }

func (*Null) FetchCurrent(_, _, _ string) (wm.WorldState, error) {
	return wm.WorldState{}, nil
}

func (*Null) FetchSnapshotAt(_, _, _ string, _ wm.Time) (wm.WorldState, error) {
	return wm.WorldState{}, nil
}

func (*Null) FetchRange(_, _, _ string, _, _ wm.Time) (wm.WorldState, error) {
	return wm.WorldState{}, nil
}

func (*Null) Close() error { return nil }
