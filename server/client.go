package server

import (
	"sort"
	"sync"
	"time"

	"github.com/OwlPlatform/world-model/errors"
	"github.com/OwlPlatform/world-model/subscription"
	"github.com/OwlPlatform/world-model/wire"
	"github.com/OwlPlatform/world-model/wm"
)

// Streaming service sleeps are bounded: never shorter than minStreamSleep,
// never longer than maxStreamSleep, so cancellation and new subscriptions
// are noticed promptly without spinning.
const (
	minStreamSleep = 10 * time.Microsecond
	maxStreamSleep = 10 * time.Millisecond
)

// streamState tracks one active subscription on a client connection.
type streamState struct {
	ticket       uint32
	interval     time.Duration
	lastServiced time.Time
	uriPattern   string
	attrPatterns []string
	query        *subscription.Query
	// On-demand requests this stream registered, undone on cancel or
	// session teardown.
	onDemand map[string]struct{}
}

// clientSession is the per-client connection machine: request handling,
// session alias tables, origin preferences, and the single streaming task
// that drives all of the session's subscriptions at their cadences.
type clientSession struct {
	*session
	srv *Server

	// Alias tables, lazily assigned on first use and announced to the
	// client before the data that uses them.
	attrAliases   map[string]uint32
	originAliases map[string]uint32

	// aliasMu guards the alias tables; snapshot handling and the streaming
	// task both assign aliases.
	aliasMu sync.Mutex

	// streams is guarded by streamMu; the read loop and the streaming task
	// both touch it.
	streamMu sync.Mutex
	streams  []*streamState

	streamStarted bool
	streamDone    chan struct{}

	// Origin preference levels and the highest preference observed per
	// (uri, attribute name) pair, guarded by prefMu.
	prefMu      sync.Mutex
	preferences map[string]int32
	highest     map[[2]string]int32
}

func newClientSession(srv *Server, base *session) *clientSession {
	return &clientSession{
		session:       base,
		srv:           srv,
		attrAliases:   make(map[string]uint32),
		originAliases: make(map[string]uint32),
		preferences:   make(map[string]int32),
		highest:       make(map[[2]string]int32),
	}
}

// run drives the session from handshake to teardown.
func (c *clientSession) run() {
	defer c.teardown()
	if err := c.handshake(); err != nil {
		c.log.Warnw("Client handshake failed", "error", err)
		return
	}
	c.log.Infow("Client connection established")

	for !c.interrupted.Load() {
		id, payload, err := c.readFrame(wire.ClientKeepAlive{})
		if err != nil {
			if !c.interrupted.Load() {
				c.log.Infow("Client connection closing", "error", err)
			}
			return
		}
		if err := c.handleMessage(id, payload); err != nil {
			c.log.Warnw("Dropping client connection", "error", err)
			return
		}
	}
}

// teardown stops the streaming task, releases subscriptions and on-demand
// requests, and closes the socket.
func (c *clientSession) teardown() {
	c.interrupt()
	if c.streamStarted {
		<-c.streamDone
	}
	c.streamMu.Lock()
	streams := c.streams
	c.streams = nil
	c.streamMu.Unlock()
	for _, st := range streams {
		c.releaseStream(st)
	}
	c.close()
	c.log.Infow("Client connection closed")
}

// releaseStream removes a stream's standing query and on-demand requests.
func (c *clientSession) releaseStream(st *streamState) {
	c.srv.engine.Unsubscribe(st.query)
	for name := range st.onDemand {
		c.srv.onDemand.Remove(name, st.uriPattern)
	}
}

func (c *clientSession) handleMessage(id byte, payload []byte) error {
	switch id {
	case wire.ClientKeepAliveID:
		return nil
	case wire.ClientSnapshotRequestID:
		m, err := wire.DecodeSnapshotRequest(payload)
		if err != nil {
			return err
		}
		return c.handleSnapshot(m)
	case wire.ClientRangeRequestID:
		m, err := wire.DecodeRangeRequest(payload)
		if err != nil {
			return err
		}
		return c.handleRange(m)
	case wire.ClientStreamRequestID:
		m, err := wire.DecodeStreamRequest(payload)
		if err != nil {
			return err
		}
		return c.handleStream(m)
	case wire.ClientCancelRequestID:
		m, err := wire.DecodeCancelRequest(payload)
		if err != nil {
			return err
		}
		return c.handleCancel(m)
	case wire.ClientURISearchID:
		m, err := wire.DecodeURISearch(payload)
		if err != nil {
			return err
		}
		uris := c.srv.engine.SearchURI(m.Pattern)
		return c.send(wire.URISearchResponse{URIs: uris})
	case wire.ClientOriginPreferenceID:
		m, err := wire.DecodeOriginPreference(payload)
		if err != nil {
			return err
		}
		for _, p := range m.Preferences {
			c.preference(p.Origin, p.Preference)
		}
		return nil
	default:
		return wire.ErrUnknownMessage(id)
	}
}

func (c *clientSession) handleSnapshot(m wire.SnapshotRequest) error {
	var ws wm.WorldState
	if m.Start == 0 && m.Stop == 0 {
		ws = c.srv.engine.CurrentSnapshot(m.URIPattern, m.AttributePatterns, true)
	} else {
		ws = c.srv.engine.HistoricSnapshot(m.URIPattern, m.AttributePatterns, m.Stop)
	}
	if err := c.sendWorldState(ws, m.Ticket); err != nil {
		return err
	}
	return c.send(wire.RequestComplete{Ticket: m.Ticket})
}

func (c *clientSession) handleRange(m wire.RangeRequest) error {
	ws := c.srv.engine.HistoricRange(m.URIPattern, m.AttributePatterns, m.Start, m.Stop)
	if err := c.sendWorldState(ws, m.Ticket); err != nil {
		return err
	}
	return c.send(wire.RequestComplete{Ticket: m.Ticket})
}

func (c *clientSession) handleStream(m wire.StreamRequest) error {
	if m.Interval < 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "negative subscription interval")
	}
	query, err := c.srv.engine.Subscribe(m.URIPattern, m.AttributePatterns, true)
	if err != nil {
		return err
	}
	st := &streamState{
		ticket:       m.Ticket,
		interval:     time.Duration(m.Interval) * time.Millisecond,
		uriPattern:   m.URIPattern,
		attrPatterns: m.AttributePatterns,
		query:        query,
		onDemand:     make(map[string]struct{}),
	}
	c.registerOnDemand(st)

	// A reused ticket replaces the previous subscription.
	c.streamMu.Lock()
	var replaced *streamState
	for i, old := range c.streams {
		if old.ticket == m.Ticket {
			replaced = old
			c.streams = append(c.streams[:i], c.streams[i+1:]...)
			break
		}
	}
	c.streamMu.Unlock()
	if replaced != nil {
		c.releaseStream(replaced)
	}

	// Serve the matching current state before streaming deltas.
	if err := c.serviceStream(st); err != nil {
		c.releaseStream(st)
		return err
	}

	c.streamMu.Lock()
	c.streams = append(c.streams, st)
	if !c.streamStarted {
		c.streamStarted = true
		c.streamDone = make(chan struct{})
		go c.streamLoop()
	}
	c.streamMu.Unlock()
	c.log.Debugw("Stream request registered",
		"ticket", m.Ticket, "pattern", m.URIPattern, "interval_ms", m.Interval)
	return nil
}

// registerOnDemand records demand for any requested attribute pattern that
// names an announced on-demand type.
func (c *clientSession) registerOnDemand(st *streamState) {
	for _, pattern := range st.attrPatterns {
		if _, already := st.onDemand[pattern]; already {
			continue
		}
		if c.srv.onDemand.Add(pattern, st.uriPattern) {
			st.onDemand[pattern] = struct{}{}
		}
	}
}

// handleCancel removes the ticket's subscription before acknowledging, so
// no data_response for the ticket can follow the request_complete.
func (c *clientSession) handleCancel(m wire.CancelRequest) error {
	c.streamMu.Lock()
	var cancelled *streamState
	for i, st := range c.streams {
		if st.ticket == m.Ticket {
			cancelled = st
			c.streams = append(c.streams[:i], c.streams[i+1:]...)
			break
		}
	}
	c.streamMu.Unlock()
	if cancelled == nil {
		return nil
	}
	c.releaseStream(cancelled)
	c.log.Debugw("Stream request cancelled", "ticket", m.Ticket)
	return c.send(wire.RequestComplete{Ticket: m.Ticket})
}

// streamLoop is the per-client streaming task: it wakes at the earliest due
// subscription's deadline, drains due subscriptions, and frames the deltas
// on the wire.
func (c *clientSession) streamLoop() {
	defer close(c.streamDone)
	for !c.interrupted.Load() {
		next := maxStreamSleep
		now := c.clk.Now()

		c.streamMu.Lock()
		due := make([]*streamState, 0, len(c.streams))
		for _, st := range c.streams {
			wait := st.interval - now.Sub(st.lastServiced)
			if wait <= 0 {
				due = append(due, st)
			} else if wait < next {
				next = wait
			}
		}
		c.streamMu.Unlock()

		failed := false
		for _, st := range due {
			// Service under the stream mutex, as cancellation does its
			// removal there: once a cancel acknowledgement is sent no
			// further data for the ticket can be in flight.
			c.streamMu.Lock()
			active := false
			for _, cur := range c.streams {
				if cur == st {
					active = true
					break
				}
			}
			if active {
				// Newly available on-demand types are picked up as streams
				// are serviced.
				c.registerOnDemand(st)
				if err := c.serviceStream(st); err != nil {
					c.log.Warnw("Streaming send failed", "ticket", st.ticket, "error", err)
					c.interrupt()
					failed = true
				}
			}
			c.streamMu.Unlock()
			if failed {
				break
			}
		}
		if failed {
			return
		}

		if next < minStreamSleep {
			next = minStreamSleep
		}
		<-c.clk.After(next)
	}
}

// serviceStream drains a subscription's output queue and sends the deltas
// under the stream's ticket. Data sends serialize on the session send
// mutex.
func (c *clientSession) serviceStream(st *streamState) error {
	st.lastServiced = c.clk.Now()
	data := st.query.Drain()
	if len(data) == 0 {
		return nil
	}
	return c.sendWorldState(data, st.ticket)
}

// sendWorldState applies origin preferences, announces any new aliases, and
// frames the state as data_response messages carrying the ticket.
func (c *clientSession) sendWorldState(ws wm.WorldState, ticket uint32) error {
	c.applyPreferences(ws)

	// Assign aliases for unseen names and origins first.
	c.aliasMu.Lock()
	var newAttrs, newOrigins []wire.Alias
	for _, attrs := range ws {
		for _, attr := range attrs {
			if _, ok := c.attrAliases[attr.Name]; !ok {
				alias := uint32(len(c.attrAliases) + 1)
				c.attrAliases[attr.Name] = alias
				newAttrs = append(newAttrs, wire.Alias{Alias: alias, Name: attr.Name})
			}
			if _, ok := c.originAliases[attr.Origin]; !ok {
				alias := uint32(len(c.originAliases) + 1)
				c.originAliases[attr.Origin] = alias
				newOrigins = append(newOrigins, wire.Alias{Alias: alias, Name: attr.Origin})
			}
		}
	}
	c.aliasMu.Unlock()
	if len(newAttrs) > 0 {
		if err := c.send(wire.AttributeAlias{Aliases: newAttrs}); err != nil {
			return err
		}
	}
	if len(newOrigins) > 0 {
		if err := c.send(wire.OriginAlias{Aliases: newOrigins}); err != nil {
			return err
		}
	}

	// Deterministic URI order keeps the wire traffic stable.
	uris := make([]wm.URI, 0, len(ws))
	for uri := range ws {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		attrs := ws[uri]
		if len(attrs) == 0 {
			continue
		}
		resp := wire.DataResponse{URI: uri, Ticket: ticket}
		c.aliasMu.Lock()
		for _, attr := range attrs {
			resp.Attributes = append(resp.Attributes, wire.AliasedAttribute{
				NameAlias:   c.attrAliases[attr.Name],
				Creation:    attr.Creation,
				Expiration:  attr.Expiration,
				OriginAlias: c.originAliases[attr.Origin],
				Data:        attr.Data,
			})
		}
		c.aliasMu.Unlock()
		if err := c.sendPaced(resp); err != nil {
			return err
		}
	}
	return nil
}

// preference records an origin preference level sent by the client.
func (c *clientSession) preference(origin string, level int32) {
	c.prefMu.Lock()
	defer c.prefMu.Unlock()
	c.preferences[origin] = level
}

// applyPreferences drops attributes whose origin the client suppresses or
// outranks. For each (uri, name) pair the highest preference yet observed
// wins; ties are kept. Unlisted origins default to level 1.
func (c *clientSession) applyPreferences(ws wm.WorldState) {
	c.prefMu.Lock()
	defer c.prefMu.Unlock()
	if len(c.preferences) == 0 {
		return
	}
	level := func(origin string) int32 {
		if p, ok := c.preferences[origin]; ok {
			return p
		}
		return 1
	}
	// First pass: raise the highest observed preference per (uri, name).
	for uri, attrs := range ws {
		for _, attr := range attrs {
			key := [2]string{uri, attr.Name}
			if p := level(attr.Origin); p > c.highest[key] {
				c.highest[key] = p
			}
		}
	}
	// Second pass: drop suppressed and outranked attributes.
	for uri, attrs := range ws {
		kept := attrs[:0]
		for _, attr := range attrs {
			p := level(attr.Origin)
			if p < 0 || p < c.highest[[2]string{uri, attr.Name}] {
				continue
			}
			kept = append(kept, attr)
		}
		ws[uri] = kept
	}
}
