package server

import (
	"sync"
	"time"

	"github.com/OwlPlatform/world-model/wire"
	"github.com/OwlPlatform/world-model/wm"
)

// onDemandCheckInterval is how often a solver session diffs the on-demand
// request multiset against what it is producing.
const onDemandCheckInterval = 100 * time.Millisecond

// solverSession is the per-solver connection machine. It accepts type
// announcements and data, drives the engine write path, and originates
// start/stop_on_demand messages when client demand changes.
type solverSession struct {
	*session
	srv *Server

	// odMu guards the alias tables and on-demand production state, which
	// the read loop and the on-demand checker both touch.
	odMu   sync.Mutex
	origin string
	// Aliases established by type_announce messages.
	types   map[uint32]string
	aliases map[string]uint32
	// The on-demand attribute names of this solver and the URI patterns
	// each is currently being produced for.
	onDemand map[string]map[string]struct{}
}

func newSolverSession(srv *Server, base *session) *solverSession {
	return &solverSession{
		session:  base,
		srv:      srv,
		types:    make(map[uint32]string),
		aliases:  make(map[string]uint32),
		onDemand: make(map[string]map[string]struct{}),
	}
}

// run drives the session from handshake to teardown.
func (s *solverSession) run() {
	defer s.close()
	if err := s.handshake(); err != nil {
		s.log.Warnw("Solver handshake failed", "error", err)
		return
	}
	s.log.Infow("Solver connection established")

	// Watch the on-demand request multiset for changes driven by client
	// subscriptions while this session is otherwise idle.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-s.clk.After(onDemandCheckInterval):
				s.checkOnDemand()
			}
		}
	}()

	for !s.interrupted.Load() {
		id, payload, err := s.readFrame(wire.SolverKeepAlive{})
		if err != nil {
			if !s.interrupted.Load() {
				s.log.Infow("Solver connection closing", "error", err)
			}
			return
		}
		if err := s.handleMessage(id, payload); err != nil {
			s.log.Warnw("Dropping solver connection", "error", err)
			return
		}
		s.checkOnDemand()
	}
}

func (s *solverSession) handleMessage(id byte, payload []byte) error {
	switch id {
	case wire.SolverKeepAliveID:
		// Receipt already refreshed the activity clock.
		return nil
	case wire.SolverTypeAnnounceID:
		m, err := wire.DecodeTypeAnnounce(payload)
		if err != nil {
			return err
		}
		s.handleTypeAnnounce(m)
		return nil
	case wire.SolverDataID:
		m, err := wire.DecodeSolverData(payload)
		if err != nil {
			return err
		}
		s.handleData(m)
		return nil
	case wire.SolverCreateURIID:
		m, err := wire.DecodeCreateURI(payload)
		if err != nil {
			return err
		}
		s.srv.engine.CreateURI(m.URI, m.Origin, m.Creation)
		return nil
	case wire.SolverExpireURIID:
		m, err := wire.DecodeExpireURI(payload)
		if err != nil {
			return err
		}
		s.srv.engine.ExpireURI(m.URI, m.Expiration)
		return nil
	case wire.SolverDeleteURIID:
		m, err := wire.DecodeDeleteURI(payload)
		if err != nil {
			return err
		}
		s.srv.engine.DeleteURI(m.URI)
		return nil
	case wire.SolverExpireAttributeID:
		m, err := wire.DecodeExpireAttribute(payload)
		if err != nil {
			return err
		}
		s.srv.engine.ExpireAttributes(m.URI, []wm.Attribute{{
			Name:     m.Name,
			Origin:   m.Origin,
			Creation: m.Creation,
		}}, m.Expiration)
		return nil
	case wire.SolverDeleteAttributeID:
		m, err := wire.DecodeDeleteAttribute(payload)
		if err != nil {
			return err
		}
		s.srv.engine.DeleteAttributes(m.URI, []wm.Attribute{{
			Name:   m.Name,
			Origin: m.Origin,
		}})
		return nil
	default:
		return wire.ErrUnknownMessage(id)
	}
}

func (s *solverSession) handleTypeAnnounce(m wire.TypeAnnounce) {
	s.odMu.Lock()
	s.origin = m.Origin
	names := make([]string, 0, len(m.Types))
	for _, t := range m.Types {
		if t.OnDemand {
			if _, ok := s.onDemand[t.Name]; !ok {
				s.onDemand[t.Name] = make(map[string]struct{})
			}
			s.srv.onDemand.Announce(t.Name)
			// On-demand data is streamed to interested clients but never
			// persisted or retained as a current value.
			s.srv.engine.RegisterTransient(t.Name, m.Origin)
		}
		s.types[t.Alias] = t.Name
		s.aliases[t.Name] = t.Alias
		names = append(names, t.Name)
		s.log.Debugw("Attribute type announced",
			"attribute", t.Name, "alias", t.Alias, "on_demand", t.OnDemand)
	}
	s.odMu.Unlock()
	s.srv.engine.Bus().AddOriginAttributes(m.Origin, names)
}

func (s *solverSession) handleData(m wire.SolverData) {
	// Group solutions per target, preserving arrival order of targets.
	s.odMu.Lock()
	origin := s.origin
	resolve := make(map[uint32]string, len(s.types))
	for alias, name := range s.types {
		resolve[alias] = name
	}
	s.odMu.Unlock()
	index := make(map[wm.URI]int)
	var data []wm.ObjectData
	for _, soln := range m.Solutions {
		name, ok := resolve[soln.TypeAlias]
		if !ok {
			s.log.Warnw("Dropping solution with unknown alias", "alias", soln.TypeAlias)
			continue
		}
		attr := wm.Attribute{
			Name:     name,
			Creation: soln.Time,
			Origin:   origin,
			Data:     soln.Data,
		}
		i, seen := index[soln.Target]
		if !seen {
			i = len(data)
			index[soln.Target] = i
			data = append(data, wm.ObjectData{URI: soln.Target})
		}
		data[i].Attributes = append(data[i].Attributes, attr)
	}
	if len(data) == 0 {
		return
	}
	s.srv.engine.InsertData(data, m.CreateURIs)
}

// checkOnDemand diffs client demand against production status and sends
// start/stop messages for the difference.
func (s *solverSession) checkOnDemand() {
	s.odMu.Lock()
	defer s.odMu.Unlock()
	if len(s.onDemand) == 0 {
		return
	}

	var start, stop []wire.OnDemandSpec
	for name, producing := range s.onDemand {
		requested := s.srv.onDemand.Requested(name)
		spec := wire.OnDemandSpec{Alias: s.aliases[name]}
		for pattern := range requested {
			if _, on := producing[pattern]; !on {
				producing[pattern] = struct{}{}
				spec.URIPatterns = append(spec.URIPatterns, pattern)
			}
		}
		if len(spec.URIPatterns) > 0 {
			start = append(start, spec)
		}
		stopSpec := wire.OnDemandSpec{Alias: s.aliases[name]}
		for pattern := range producing {
			if _, want := requested[pattern]; !want {
				delete(producing, pattern)
				stopSpec.URIPatterns = append(stopSpec.URIPatterns, pattern)
			}
		}
		if len(stopSpec.URIPatterns) > 0 {
			stop = append(stop, stopSpec)
		}
	}
	if len(start) > 0 {
		if err := s.send(wire.StartOnDemand{Specs: start}); err != nil {
			s.log.Warnw("Failed to send start_on_demand", "error", err)
		}
	}
	if len(stop) > 0 {
		if err := s.send(wire.StopOnDemand{Specs: stop}); err != nil {
			s.log.Warnw("Failed to send stop_on_demand", "error", err)
		}
	}
}
