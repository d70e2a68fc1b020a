package cart

import (
	"sync"
)

// Store is the single mutable cell holding the current cart State.
//
// Thread-safety model:
//   - Snapshot, Generation, Subscribe: safe from any goroutine
//   - Dispatch, DispatchAt, Advance: safe from any goroutine; each call is
//     applied atomically
//
// Readers only ever see copies. Writes happen exclusively through Reduce.
type Store struct {
	mu     sync.RWMutex
	state  State
	gen    int64
	subs   map[int]chan State
	nextID int
	closed bool
}

// NewStore creates a store holding the empty cart at generation 0.
func NewStore() *Store {
	return &Store{
		state: Empty(),
		subs:  make(map[int]chan State),
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Generation returns the current identity generation.
func (s *Store) Generation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Advance moves the identity generation forward. Generations never go back:
// a value <= the current generation is ignored and Advance returns false.
func (s *Store) Advance(gen int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen <= s.gen {
		return false
	}
	s.gen = gen
	return true
}

// Dispatch applies an action unconditionally and returns the new state.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(a)
}

// DispatchAt applies an action only if gen is still the current generation.
// The returned bool reports whether the action was applied.
func (s *Store) DispatchAt(gen int64, a Action) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return s.state.Clone(), false
	}
	return s.applyLocked(a), true
}

func (s *Store) applyLocked(a Action) State {
	s.state = Reduce(s.state, a)
	out := s.state.Clone()
	for _, ch := range s.subs {
		// Coalesce: replace an unread snapshot with the newest one.
		select {
		case <-ch:
		default:
		}
		ch <- s.state.Clone()
	}
	return out
}

// Subscribe returns a channel that receives a snapshot after every applied
// action. Slow readers only see the latest snapshot. The returned function
// unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan State, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Close tears the store down, closing every subscription. The state stays
// readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
