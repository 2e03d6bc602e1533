package engine

import (
	"github.com/OwlPlatform/world-model/subscription"
	"github.com/OwlPlatform/world-model/wm"
)

// CreateURI inserts a new object with its creation attribute. Returns false
// without side effects if the URI already exists; otherwise returns whether
// the creation row was stored.
func (e *Engine) CreateURI(uri wm.URI, origin string, creation wm.Time) bool {
	attr := wm.NewCreation(origin, creation)

	e.gate.Lock()
	if _, exists := e.cur[uri]; exists {
		e.gate.Unlock()
		return false
	}
	e.cur[uri] = []wm.Attribute{attr}
	e.gate.Unlock()

	stored := e.store.StoreAttributes(uri, []wm.Attribute{attr})
	e.bus.Offer(subscription.Delta{
		Kind:   subscription.DeltaInsert,
		State:  wm.WorldState{uri: {attr}},
		Origin: origin,
	})
	return len(stored) > 0
}

// InsertData applies a batch of attribute writes. Per URI the write lock is
// taken once. Attributes for absent URIs are discarded unless autocreate is
// set, in which case a creation attribute is synthesized from the first
// entry. Within a (name, origin) slot a strictly newer creation time
// supersedes the current value, moving it to history; an equal or older one
// is dropped from the current state but still persisted as a historic row.
// Transient-registered pairs bypass persistence and current state entirely.
func (e *Engine) InsertData(data []wm.ObjectData, autocreate bool) bool {
	// Split out transient attributes first; they only travel to
	// subscriptions.
	transients := make(wm.WorldState)
	singleOrigin := ""
	originSeen := false
	for i := range data {
		kept := data[i].Attributes[:0]
		for _, attr := range data[i].Attributes {
			if e.isTransient(attr.Key()) {
				transients[data[i].URI] = append(transients[data[i].URI], attr)
			} else {
				kept = append(kept, attr)
			}
			if !originSeen {
				singleOrigin = attr.Origin
				originSeen = true
			} else if singleOrigin != attr.Origin {
				singleOrigin = ""
			}
		}
		data[i].Attributes = kept
	}

	// Apply the non-transient writes to the current state, recording what
	// must be persisted and what superseded slots need expiring.
	update := make(wm.WorldState)
	expire := make(wm.WorldState)
	for i := range data {
		uri := data[i].URI
		entries := data[i].Attributes
		if len(entries) == 0 {
			continue
		}

		e.gate.Lock()
		if _, exists := e.cur[uri]; !exists {
			if !autocreate {
				e.gate.Unlock()
				continue
			}
			creation := wm.NewCreation(entries[0].Origin, entries[0].Creation)
			e.cur[uri] = []wm.Attribute{creation}
			update[uri] = append(update[uri], creation)
		}
		attributes := e.cur[uri]
		for _, entry := range entries {
			slot := -1
			for j := range attributes {
				if attributes[j].Name == entry.Name && attributes[j].Origin == entry.Origin {
					slot = j
					break
				}
			}
			switch {
			case slot < 0:
				attributes = append(attributes, entry)
			case attributes[slot].Creation < entry.Creation:
				// The old value moves to history, expired at the moment
				// the new value was created.
				old := attributes[slot]
				old.Expiration = entry.Creation
				expire[uri] = append(expire[uri], old)
				attributes[slot] = entry
			default:
				// Equal or older: keep the slot, persist the entry as an
				// already-superseded historic row.
				entry.Expiration = attributes[slot].Creation
			}
			update[uri] = append(update[uri], entry)
		}
		e.cur[uri] = attributes
		e.gate.Unlock()
	}

	// Stage persistence after releasing the lock. Failures are logged by
	// the store; in-memory truth stands either way.
	for uri, attrs := range update {
		e.store.StoreAttributes(uri, attrs)
	}
	for uri, attrs := range expire {
		e.store.UpdateExpiration(uri, attrs)
	}

	if len(update) > 0 {
		e.bus.Offer(subscription.Delta{
			Kind:   subscription.DeltaInsert,
			State:  update,
			Origin: singleOrigin,
		})
	}
	if len(transients) > 0 {
		e.bus.Offer(subscription.Delta{
			Kind:      subscription.DeltaInsert,
			State:     transients,
			Origin:    singleOrigin,
			Transient: true,
		})
	}
	return true
}

// ExpireURI removes the object from the current state and stamps all of its
// live rows with the expiration time. History is retained.
func (e *Engine) ExpireURI(uri wm.URI, expires wm.Time) {
	e.gate.Lock()
	if _, exists := e.cur[uri]; !exists {
		e.gate.Unlock()
		return
	}
	delete(e.cur, uri)
	e.gate.Unlock()

	e.store.UpdateExpiration(uri, []wm.Attribute{{
		Name:       wm.CreationAttribute,
		Expiration: expires,
	}})

	e.bus.Offer(subscription.Delta{
		Kind: subscription.DeltaInvalidateObjects,
		State: wm.WorldState{uri: {{
			Name:       wm.CreationAttribute,
			Creation:   -1,
			Expiration: expires,
		}}},
	})
}

// ExpireAttributes expires specific attribute versions. An entry only takes
// effect when its (name, origin, creation) triple matches the current slot
// exactly; matches leave the current state and their historic rows are
// stamped.
func (e *Engine) ExpireAttributes(uri wm.URI, entries []wm.Attribute, expires wm.Time) {
	var toUpdate []wm.Attribute

	e.gate.Lock()
	attributes, exists := e.cur[uri]
	if !exists {
		e.gate.Unlock()
		return
	}
	for _, entry := range entries {
		for j := range attributes {
			if attributes[j].Name == entry.Name &&
				attributes[j].Origin == entry.Origin &&
				attributes[j].Creation == entry.Creation {
				expired := attributes[j]
				expired.Expiration = expires
				toUpdate = append(toUpdate, expired)
				attributes = append(attributes[:j], attributes[j+1:]...)
				break
			}
		}
	}
	e.cur[uri] = attributes
	e.gate.Unlock()

	if len(toUpdate) == 0 {
		return
	}
	e.store.UpdateExpiration(uri, toUpdate)

	// Relay the expirations with the supplied timestamp so subscribers see
	// the attributes die.
	invalidated := make([]wm.Attribute, len(toUpdate))
	copy(invalidated, toUpdate)
	e.bus.Offer(subscription.Delta{
		Kind:  subscription.DeltaInvalidateAttributes,
		State: wm.WorldState{uri: invalidated},
	})
}

// DeleteURI removes the object from the current state and purges its
// history. The object may be re-created later with a clean slate.
func (e *Engine) DeleteURI(uri wm.URI) {
	e.gate.Lock()
	if _, exists := e.cur[uri]; !exists {
		e.gate.Unlock()
		return
	}
	delete(e.cur, uri)
	e.gate.Unlock()

	if err := e.store.DeleteURI(uri); err != nil {
		e.log.Errorw("Failed to purge URI from store", "uri", uri, "error", err)
	}

	// Deletions look like expirations to subscribers; -1 marks deletion.
	e.bus.Offer(subscription.Delta{
		Kind: subscription.DeltaInvalidateObjects,
		State: wm.WorldState{uri: {{
			Name:       wm.CreationAttribute,
			Creation:   -1,
			Expiration: -1,
		}}},
	})
}

// DeleteAttributes removes attributes from the current state and purges
// their history. Requests against the reserved creation attribute are
// silently dropped.
func (e *Engine) DeleteAttributes(uri wm.URI, entries []wm.Attribute) {
	kept := entries[:0]
	for _, entry := range entries {
		if entry.Name != wm.CreationAttribute {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		return
	}

	e.gate.Lock()
	attributes, exists := e.cur[uri]
	if !exists {
		e.gate.Unlock()
		return
	}
	for _, entry := range kept {
		for j := range attributes {
			if attributes[j].Name == entry.Name && attributes[j].Origin == entry.Origin {
				attributes = append(attributes[:j], attributes[j+1:]...)
				break
			}
		}
	}
	e.cur[uri] = attributes
	e.gate.Unlock()

	e.store.DeleteAttributes(uri, kept)

	invalidated := make([]wm.Attribute, len(kept))
	copy(invalidated, kept)
	e.bus.Offer(subscription.Delta{
		Kind:  subscription.DeltaInvalidateAttributes,
		State: wm.WorldState{uri: invalidated},
	})
}
