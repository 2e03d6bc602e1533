package subscription

import (
	"sync"

	"go.uber.org/zap"

	"github.com/OwlPlatform/world-model/wm"
)

// DeltaKind distinguishes the three kinds of world-state changes the write
// path produces.
type DeltaKind int

const (
	// DeltaInsert carries new or updated attributes.
	DeltaInsert DeltaKind = iota
	// DeltaInvalidateAttributes carries expirations or deletions of
	// specific attributes.
	DeltaInvalidateAttributes
	// DeltaInvalidateObjects carries the expiration or deletion of whole
	// objects; each URI's slice holds a single creation attribute whose
	// expiration is the death timestamp.
	DeltaInvalidateObjects
)

// Delta is one unit of work for the dispatcher.
type Delta struct {
	Kind  DeltaKind
	State wm.WorldState
	// Origin is set when every attribute in the delta comes from the same
	// producer, enabling the origin prefilter.
	Origin string
	// Transient marks inserts that must match by literal attribute name.
	Transient bool
}

const inputQueueDepth = 1024

// Bus owns the set of active standing queries, the origin→attribute index,
// and the single dispatcher draining the shared input queue.
type Bus struct {
	log *zap.SugaredLogger

	mu   sync.Mutex
	subs map[*Query]struct{}

	originMu sync.Mutex
	origins  map[string]map[string]struct{}

	input chan Delta
	wg    sync.WaitGroup
}

// NewBus returns a bus ready to Start.
func NewBus(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{
		log:     log,
		subs:    make(map[*Query]struct{}),
		origins: make(map[string]map[string]struct{}),
		input:   make(chan Delta, inputQueueDepth),
	}
}

// Start launches the dispatcher task.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.dispatch()
}

// Stop closes the input queue and waits for the dispatcher to drain it.
func (b *Bus) Stop() {
	close(b.input)
	b.wg.Wait()
}

// Offer enqueues a delta for fan-out. Deltas from one connection are
// delivered to every subscription in the order they were offered.
func (b *Bus) Offer(d Delta) {
	b.input <- d
}

// AddOriginAttributes records attribute names announced by an origin. The
// index is a prefilter: a delta from an origin none of whose names pass a
// query's patterns is discarded for that query without touching the URIs.
func (b *Bus) AddOriginAttributes(origin string, names []string) {
	b.originMu.Lock()
	defer b.originMu.Unlock()
	set := b.origins[origin]
	if set == nil {
		set = make(map[string]struct{})
		b.origins[origin] = set
	}
	for _, name := range names {
		set[name] = struct{}{}
	}
}

// originAttributes returns the names an origin has announced and whether
// the origin is known at all.
func (b *Bus) originAttributes(origin string) ([]string, bool) {
	b.originMu.Lock()
	defer b.originMu.Unlock()
	set, ok := b.origins[origin]
	if !ok {
		return nil, false
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names, true
}

// Subscribe compiles the patterns, seeds the query from the supplied
// current state, and registers it for deltas. The seed happens before
// registration so the dispatcher never races the initial population.
func (b *Bus) Subscribe(uriPattern string, attrPatterns []string, getData bool, current wm.WorldState) (*Query, error) {
	q, err := newQuery(b, uriPattern, attrPatterns, getData)
	if err != nil {
		return nil, err
	}
	q.Seed(current)
	b.mu.Lock()
	b.subs[q] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debugw("Standing query registered",
		"pattern", uriPattern,
		"attributes", len(attrPatterns),
		"subscriptions", count,
	)
	return q, nil
}

// Unsubscribe removes the query from fan-out. Deltas the dispatcher takes up
// after Unsubscribe returns do not reach the query; a delta whose delivery
// has already begun may still be enqueued on it.
func (b *Bus) Unsubscribe(q *Query) {
	b.mu.Lock()
	delete(b.subs, q)
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debugw("Standing query removed", "subscriptions", count)
}

func (b *Bus) snapshot() []*Query {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Query, 0, len(b.subs))
	for q := range b.subs {
		out = append(out, q)
	}
	return out
}

// dispatch drains the input queue, delivering each delta to every
// registered query in arrival order.
func (b *Bus) dispatch() {
	defer b.wg.Done()
	for delta := range b.input {
		for _, q := range b.snapshot() {
			b.deliver(q, delta)
		}
	}
}

func (b *Bus) deliver(q *Query, d Delta) {
	switch d.Kind {
	case DeltaInvalidateAttributes:
		for uri, attrs := range d.State {
			q.invalidateAttributes(uri, attrs)
		}
	case DeltaInvalidateObjects:
		for uri, attrs := range d.State {
			// A single update to the creation attribute carries the death.
			if len(attrs) > 0 && attrs[0].Name == wm.CreationAttribute {
				q.invalidateObject(uri, attrs[0])
			}
		}
	default:
		var matched wm.WorldState
		if d.Transient {
			matched = q.showInterestedTransient(d.State, d.Origin)
		} else {
			matched = q.showInterested(d.State, d.Origin)
		}
		if len(matched) > 0 {
			q.enqueue(matched)
		}
	}
}
