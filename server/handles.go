package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/tiered/vm"
)

// handle pins an object or function returned by Call so a later request
// can pass it back as an argument ("#h-3").
type handle struct {
	value    vm.Value
	origin   string // function whose call produced the value
	lastUsed time.Time
}

// HandleStore maps handle IDs to VM values. Handles expire after a TTL
// without use, and are released when the function they refer to is
// redefined.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*handle
	nextID  atomic.Uint64
}

// NewHandleStore creates an empty store.
func NewHandleStore() *HandleStore {
	return &HandleStore{handles: make(map[string]*handle)}
}

// Create pins value and returns its handle ID.
func (s *HandleStore) Create(value vm.Value, origin string) string {
	id := fmt.Sprintf("h-%d", s.nextID.Add(1))
	s.mu.Lock()
	s.handles[id] = &handle{value: value, origin: origin, lastUsed: time.Now()}
	s.mu.Unlock()
	return id
}

// Lookup returns the value for id and refreshes its TTL.
func (s *HandleStore) Lookup(id string) (vm.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return vm.Undefined, false
	}
	h.lastUsed = time.Now()
	return h.value, true
}

// Origin returns the name of the function whose call produced id.
func (s *HandleStore) Origin(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return "", false
	}
	return h.origin, true
}

// Release drops one handle and reports whether it existed.
func (s *HandleStore) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id]
	delete(s.handles, id)
	return ok
}

// ReleaseValue drops every handle pinning v and returns how many there were.
func (s *HandleStore) ReleaseValue(v vm.Value) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, h := range s.handles {
		if h.value == v {
			delete(s.handles, id)
			n++
		}
	}
	return n
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Sweep removes handles unused for longer than ttl.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	return removed
}

// StartSweeper sweeps every interval until the returned stop function is
// called.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
