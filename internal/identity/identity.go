// Package identity models the authentication signal the cart engine
// follows: the current user (or none) plus a loading flag.
package identity

import (
	"fmt"
	"sync"
)

// User is an authenticated identity.
type User struct {
	ID   string `json:"id" yaml:"id"`
	Role string `json:"role" yaml:"role"`
}

// Signal is one observation of the authentication context.
type Signal struct {
	User    *User `json:"user"`
	Loading bool  `json:"loading"`
}

// State is the coarse state a signal represents.
type State int

const (
	// StateLoading: the identity is still resolving.
	StateLoading State = iota
	// StateAnonymous: nobody is signed in.
	StateAnonymous
	// StateIdentified: a user is signed in.
	StateIdentified
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAnonymous:
		return "anonymous"
	case StateIdentified:
		return "identified"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// State classifies the signal. Loading wins over a present user.
func (s Signal) State() State {
	switch {
	case s.Loading:
		return StateLoading
	case s.User == nil:
		return StateAnonymous
	default:
		return StateIdentified
	}
}

func (s Signal) String() string {
	if s.State() == StateIdentified {
		return fmt.Sprintf("identified(%s:%s)", s.User.ID, s.User.Role)
	}
	return s.State().String()
}

// Loading returns the signal emitted while identity is resolving.
func Loading() Signal { return Signal{Loading: true} }

// Anonymous returns the signed-out signal.
func Anonymous() Signal { return Signal{} }

// Identified returns the signal for a signed-in user.
func Identified(id, role string) Signal {
	return Signal{User: &User{ID: id, Role: role}}
}

// Source broadcasts identity signals to subscribers. It starts in the
// loading state. Subscribers that fall behind only see the latest signal.
type Source struct {
	mu      sync.Mutex
	current Signal
	subs    map[int]chan Signal
	nextID  int
	closed  bool
}

// NewSource creates a Source in the loading state.
func NewSource() *Source {
	return &Source{
		current: Loading(),
		subs:    make(map[int]chan Signal),
	}
}

// Current returns the latest published signal.
func (s *Source) Current() Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Publish records sig as current and notifies subscribers. Publishing
// after Close is ignored.
func (s *Source) Publish(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if sig.User != nil {
		u := *sig.User
		sig.User = &u
	}
	s.current = sig
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- sig
	}
}

// Subscribe returns a channel primed with the current signal. The returned
// function unsubscribes and closes the channel.
func (s *Source) Subscribe() (<-chan Signal, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Signal, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- s.current

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

// Close closes every subscription.
func (s *Source) Close() {
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
