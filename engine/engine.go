// Package engine holds the in-memory truth of the world model: the
// current-value map guarded by a readers-writers gate, the transient
// registry, the write path with attribute-version replacement, and the
// read paths that serve snapshots and history. Durable operations are
// staged to the store collaborator; subscription fan-out goes through the
// bus. Persistence failures never surface to writers: the in-memory state
// is updated and subscribers are notified regardless.
package engine

import (
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/OwlPlatform/world-model/store"
	"github.com/OwlPlatform/world-model/subscription"
	"github.com/OwlPlatform/world-model/wm"
)

// Options configure a new Engine.
type Options struct {
	// Store persists durable operations. Nil selects the no-op store.
	Store store.Store
	// Clock drives timestamps; nil selects the wall clock.
	Clock clock.Clock
	// Logger for structured logs; nil selects a nop logger.
	Logger *zap.SugaredLogger
}

// Engine is the world model core. It outlives every session; sessions hold
// non-owning references.
type Engine struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	store store.Store
	bus   *subscription.Bus

	// gate guards cur with single-writer/many-readers semantics.
	gate *Semaphore
	cur  wm.WorldState

	transientMu sync.Mutex
	transients  map[wm.Key]struct{}
}

// New constructs an engine. If the store is persistent the current state is
// rehydrated from it before the engine accepts traffic.
func New(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = store.NewNull()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		log:        opts.Logger,
		clock:      opts.Clock,
		store:      opts.Store,
		bus:        subscription.NewBus(opts.Logger),
		gate:       NewSemaphore(),
		cur:        make(wm.WorldState),
		transients: make(map[wm.Key]struct{}),
	}
	e.rehydrate()
	return e
}

// rehydrate seeds the current state from the store so a restarted server
// resumes where it left off.
func (e *Engine) rehydrate() {
	state, err := e.store.FetchCurrent(".*", ".*", ".*")
	if err != nil {
		e.log.Errorw("Failed to rehydrate current state", "error", err)
		return
	}
	if len(state) > 0 {
		e.cur = state.Clone()
		e.log.Infow("Rehydrated current state from store", "uris", len(state))
	}
}

// Start launches the subscription dispatcher.
func (e *Engine) Start() {
	e.bus.Start()
}

// Stop stops the dispatcher and releases the store. Sessions must be torn
// down first; no writes may arrive after Stop.
func (e *Engine) Stop() {
	e.bus.Stop()
	if err := e.store.Close(); err != nil {
		e.log.Errorw("Failed to close store", "error", err)
	}
}

// Bus returns the subscription bus.
func (e *Engine) Bus() *subscription.Bus { return e.bus }

// Clock returns the engine's clock.
func (e *Engine) Clock() clock.Clock { return e.clock }

// Now returns the current engine time in milliseconds.
func (e *Engine) Now() wm.Time {
	return e.clock.Now().UnixMilli()
}

// RegisterTransient marks a (name, origin) pair as transient: relayed to
// subscribers under literal matching but never persisted and never held as
// a current value.
func (e *Engine) RegisterTransient(name, origin string) {
	e.transientMu.Lock()
	defer e.transientMu.Unlock()
	e.transients[wm.Key{Name: name, Origin: origin}] = struct{}{}
}

func (e *Engine) isTransient(k wm.Key) bool {
	e.transientMu.Lock()
	defer e.transientMu.Unlock()
	_, ok := e.transients[k]
	return ok
}

// Subscribe creates a standing query seeded from the current state. The
// caller owns the returned query and must Unsubscribe it on teardown.
func (e *Engine) Subscribe(uriPattern string, attrPatterns []string, getData bool) (*subscription.Query, error) {
	e.gate.Flag()
	seed := e.cur.Clone()
	e.gate.Unflag()
	return e.bus.Subscribe(uriPattern, attrPatterns, getData, seed)
}

// Unsubscribe removes a standing query from fan-out.
func (e *Engine) Unsubscribe(q *subscription.Query) {
	e.bus.Unsubscribe(q)
}
