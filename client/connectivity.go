/*
connectivity.go - Online/offline signal port

PURPOSE:
  The sync client never owns network detection; it consumes a boolean
  online/offline signal through this port, decoupled from any particular
  transport. The signal gates whether SyncNow/DownSync attempt network
  I/O at all, nothing more.
*/
package client

import "sync"

// =============================================================================
// CONNECTIVITY PORT
// =============================================================================

// Connectivity is the port the sync client consumes.
type Connectivity interface {
	// Online reports the current link state.
	Online() bool

	// Subscribe registers a transition callback and returns a cancel
	// function. The callback fires only on actual transitions.
	Subscribe(fn func(online bool)) (cancel func())
}

// =============================================================================
// SIGNAL - A settable Connectivity implementation
// =============================================================================

// Signal is the default implementation: platform code (or tests) calls
// Set when the link state changes.
type Signal struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func NewSignal(online bool) *Signal {
	return &Signal{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Signal) Subscribe(fn func(online bool)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Set updates the link state, notifying subscribers on transitions only.
// Callbacks run synchronously without the lock held.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
