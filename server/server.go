// Package server exposes the world model over its two TCP listener ports:
// solvers write facts on one, clients read and subscribe on the other.
// Each peer gets a session goroutine running its connection machine; a
// sweeper reaps sessions idle past their timeout.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/OwlPlatform/world-model/engine"
	"github.com/OwlPlatform/world-model/logger"
)

// DefaultSolverPort and DefaultClientPort are the conventional listener
// ports.
const (
	DefaultSolverPort = 7009
	DefaultClientPort = 7010
)

// DefaultTimeout is the connection idle timeout when the configuration
// does not override it.
const DefaultTimeout = 60 * time.Second

const sweepInterval = time.Second

// Options configure a Server.
type Options struct {
	SolverPort int
	ClientPort int
	// Timeout is the per-connection idle timeout; zero selects
	// DefaultTimeout.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
}

type runner interface {
	run()
	interrupt()
	idle() bool
	close()
}

// Server owns the listeners, the live sessions, and the on-demand request
// registry. It holds a non-owning reference to the engine, which outlives
// all sessions.
type Server struct {
	engine   *engine.Engine
	onDemand *onDemandRegistry
	log      *zap.SugaredLogger
	clk      clock.Clock

	solverPort int
	clientPort int
	timeout    time.Duration

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[runner]struct{}
	stopping  bool

	wg sync.WaitGroup
}

// New constructs a server around an engine. A zero port selects an
// ephemeral one; the conventional ports are the configuration defaults.
func New(eng *engine.Engine, opts Options) *Server {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Server{
		engine:     eng,
		onDemand:   newOnDemandRegistry(),
		log:        opts.Logger,
		clk:        opts.Clock,
		solverPort: opts.SolverPort,
		clientPort: opts.ClientPort,
		timeout:    opts.Timeout,
		sessions:   make(map[runner]struct{}),
	}
}

// Start opens both listeners and launches the accept loops and the idle
// sweeper.
func (s *Server) Start() error {
	solverLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.solverPort))
	if err != nil {
		return fmt.Errorf("could not open solver listener: %w", err)
	}
	clientLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.clientPort))
	if err != nil {
		solverLn.Close()
		return fmt.Errorf("could not open client listener: %w", err)
	}
	s.mu.Lock()
	s.listeners = []net.Listener{solverLn, clientLn}
	s.mu.Unlock()

	s.log.Infow("Listening for solvers", logger.FieldPort, s.solverPort)
	s.log.Infow("Listening for clients", logger.FieldPort, s.clientPort)

	s.wg.Add(3)
	go s.acceptLoop(solverLn, "solver")
	go s.acceptLoop(clientLn, "client")
	go s.sweeper()
	return nil
}

// SolverAddr and ClientAddr report the bound listener addresses, useful
// when the ports were chosen by the system.
func (s *Server) SolverAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[0].Addr()
}

func (s *Server) ClientAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[1].Addr()
}

// Stop interrupts every session, closes the listeners, and waits for all
// session goroutines to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopping = true
	listeners := s.listeners
	sessions := make([]runner, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.interrupt()
	}
	s.wg.Wait()
	s.log.Infow("World model server stopped")
}

func (s *Server) acceptLoop(ln net.Listener, role string) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if !stopping {
				s.log.Errorw("Accept failed", "role", role, "error", err)
			}
			return
		}
		s.startSession(conn, role)
	}
}

func (s *Server) startSession(conn net.Conn, role string) {
	base := newSession(conn, role, s.timeout, s.clk, s.log)
	var sess runner
	if role == "solver" {
		sess = newSolverSession(s, base)
	} else {
		sess = newClientSession(s, base)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	count := len(s.sessions)
	s.mu.Unlock()
	s.log.Infow("Connection opened", logger.FieldRole, role, logger.FieldCount, count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
		s.mu.Lock()
		delete(s.sessions, sess)
		count := len(s.sessions)
		s.mu.Unlock()
		s.log.Infow("Connection closed", logger.FieldRole, role, logger.FieldCount, count)
	}()
}

// sweeper interrupts sessions whose connections have been idle in both
// directions past the timeout.
func (s *Server) sweeper() {
	defer s.wg.Done()
	for {
		<-s.clk.After(sweepInterval)
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		var idle []runner
		for sess := range s.sessions {
			if sess.idle() {
				idle = append(idle, sess)
			}
		}
		s.mu.Unlock()
		for _, sess := range idle {
			s.log.Infow("Reaping idle connection")
			sess.interrupt()
		}
	}
}
