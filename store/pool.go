package store

import (
	"database/sql"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/OwlPlatform/world-model/wm"
)

// Task is one unit of database work. It receives a live connection and
// returns the world-state fragment the operation produced. A task that
// fails returns nil; the worker then drops its connection and replies with
// an empty fragment.
type Task func(conn *sql.Conn) wm.WorldState

// Connector opens and prepares one worker connection: establish, set the
// connection collation, select the database, create it if absent.
type Connector func() (*sql.Conn, error)

// Pool is a process-wide pool of database workers. Submit hands a task to
// an idle worker, or spawns a new one when all are busy; growth is
// unbounded so the write path can never deadlock behind the pool.
type Pool struct {
	log     *zap.SugaredLogger
	connect Connector

	tasks chan taskEnvelope
	idle  atomic.Int32

	mu      sync.Mutex
	closed  bool
	workers sync.WaitGroup
}

type taskEnvelope struct {
	task  Task
	reply chan wm.WorldState
}

// NewPool returns a pool that opens connections through connect. Workers
// are spawned on demand by Submit.
func NewPool(connect Connector, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{
		log:     log,
		connect: connect,
		tasks:   make(chan taskEnvelope),
	}
}

// Submit runs the task on a worker connection and blocks until the worker
// posts the result. A failed task yields an empty world state.
func (p *Pool) Submit(task Task) wm.WorldState {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return wm.WorldState{}
	}
	if p.idle.Load() == 0 {
		p.workers.Add(1)
		go p.worker()
	}
	p.mu.Unlock()

	env := taskEnvelope{task: task, reply: make(chan wm.WorldState, 1)}
	p.tasks <- env
	return <-env.reply
}

// Close stops accepting tasks and waits for the workers to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.workers.Wait()
	return nil
}

// worker owns one connection for its lifetime. Connection loss is handled
// by reconnecting on the next task.
func (p *Pool) worker() {
	defer p.workers.Done()
	var conn *sql.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		p.idle.Add(1)
		env, ok := <-p.tasks
		p.idle.Add(-1)
		if !ok {
			return
		}
		if conn == nil {
			var err error
			conn, err = p.connect()
			if err != nil {
				p.log.Errorw("Worker could not connect to database", "error", err)
				env.reply <- wm.WorldState{}
				continue
			}
		}
		result := env.task(conn)
		if result == nil {
			// The task hit a connection-level error; drop the connection
			// and reconnect on the next task.
			conn.Close()
			conn = nil
			result = wm.WorldState{}
		}
		env.reply <- result
	}
}
