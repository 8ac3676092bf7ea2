// Package memory implements the persistence substrate in process memory.
// A Bus stands in for the shared storage file: every execution context
// opens its own handle on the same Bus, and a write through one handle is
// delivered to the watchers of all the others. Used by tests and by
// ephemeral runs that do not want a database on disk.
package memory

import (
	"sync"

	"github.com/provana/cascata/internal/persist"
)

// Bus is the shared backing for any number of handles.
type Bus struct {
	mu      sync.Mutex
	payload []byte
	handles map[int]*Store
	nextID  int
}

// NewBus creates an empty shared backing.
func NewBus() *Bus {
	return &Bus{handles: make(map[int]*Store)}
}

// Open creates a new handle, representing one execution context.
func (b *Bus) Open() *Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Store{bus: b, id: b.nextID, watchers: make(map[int]func(*persist.Snapshot))}
	b.handles[b.nextID] = s
	b.nextID++
	return s
}

// Store is one context's handle on the shared Bus.
type Store struct {
	bus *Bus
	id  int

	mu       sync.Mutex
	watchers map[int]func(*persist.Snapshot)
	nextID   int
}

var _ persist.Substrate = (*Store)(nil)

// Write stores the snapshot and notifies every other handle's watchers.
func (s *Store) Write(snap *persist.Snapshot) {
	payload, err := persist.Encode(snap)
	if err != nil {
		return
	}

	s.bus.mu.Lock()
	s.bus.payload = payload
	others := make([]*Store, 0, len(s.bus.handles))
	for id, h := range s.bus.handles {
		if id != s.id {
			others = append(others, h)
		}
	}
	s.bus.mu.Unlock()

	for _, h := range others {
		h.notify(payload)
	}
}

// Read returns the stored snapshot, or nil if none exists.
func (s *Store) Read() *persist.Snapshot {
	s.bus.mu.Lock()
	payload := s.bus.payload
	s.bus.mu.Unlock()
	if payload == nil {
		return nil
	}
	return persist.Decode(payload)
}

// Watch registers fn for writes made through other handles.
func (s *Store) Watch(fn func(*persist.Snapshot)) (stop func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// Close detaches the handle from the Bus.
func (s *Store) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.handles, s.id)
	s.bus.mu.Unlock()

	s.mu.Lock()
	s.watchers = make(map[int]func(*persist.Snapshot))
	s.mu.Unlock()
	return nil
}

func (s *Store) notify(payload []byte) {
	snap := persist.Decode(payload)
	if snap == nil {
		return
	}

	s.mu.Lock()
	fns := make([]func(*persist.Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
