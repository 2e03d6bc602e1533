package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSemaphoreManyReaders(t *testing.T) {
	s := NewSemaphore()
	var active atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Flag()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			s.Unflag()
		}()
	}
	wg.Wait()
	assert.Greater(t, peak.Load(), int32(1), "readers must run concurrently")
}

func TestSemaphoreWriterExcludesReaders(t *testing.T) {
	s := NewSemaphore()
	var writing atomic.Bool
	var violation atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Lock()
		writing.Store(true)
		time.Sleep(20 * time.Millisecond)
		writing.Store(false)
		s.Unlock()
	}()

	// Give the writer time to take the lock.
	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Flag()
			if writing.Load() {
				violation.Store(true)
			}
			s.Unflag()
		}()
	}
	wg.Wait()
	assert.False(t, violation.Load(), "no reader may hold a flag while the writer holds the lock")
}

func TestSemaphoreWriterWaitsForReaders(t *testing.T) {
	s := NewSemaphore()
	var readers atomic.Int32
	readers.Add(1)
	s.Flag()

	done := make(chan struct{})
	go func() {
		s.Lock()
		defer s.Unlock()
		assert.Equal(t, int32(0), readers.Load())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	readers.Add(-1)
	s.Unflag()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired the lock")
	}
}

func TestSemaphoreBlocksNewFlagsWhileWriterWaits(t *testing.T) {
	s := NewSemaphore()
	s.Flag()

	writerIn := make(chan struct{})
	go func() {
		close(writerIn)
		s.Lock()
		s.Unlock()
	}()
	<-writerIn
	// Let the writer reach its wait on the outstanding flag.
	time.Sleep(10 * time.Millisecond)

	flagged := make(chan struct{})
	go func() {
		s.Flag()
		close(flagged)
		s.Unflag()
	}()

	select {
	case <-flagged:
		t.Fatal("new reader entered while a writer was waiting")
	case <-time.After(30 * time.Millisecond):
	}

	s.Unflag()
	select {
	case <-flagged:
	case <-time.After(time.Second):
		t.Fatal("reader never resumed after the writer finished")
	}
}
