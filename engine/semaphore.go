package engine

import "sync"

// Semaphore is the readers-writers gate guarding the current-state map.
// Readers hold flags that a writer waits on; a writer takes the sole lock,
// which also blocks later flag acquisitions so readers cannot starve it.
type Semaphore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	flags  int
	writer bool
}

// NewSemaphore returns a gate with no readers or writer.
func NewSemaphore() *Semaphore {
	s := &Semaphore{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Flag registers a reader. Blocks while a writer holds or is waiting for
// the lock.
func (s *Semaphore) Flag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.writer {
		s.cond.Wait()
	}
	s.flags++
}

// Unflag releases a reader.
func (s *Semaphore) Unflag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags--
	if s.flags == 0 {
		s.cond.Broadcast()
	}
}

// Lock takes the writer lock, waiting first for any other writer and then
// for all outstanding reader flags to drain.
func (s *Semaphore) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.writer {
		s.cond.Wait()
	}
	s.writer = true
	for s.flags > 0 {
		s.cond.Wait()
	}
}

// Unlock releases the writer lock.
func (s *Semaphore) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = false
	s.cond.Broadcast()
}
