package subscription

import (
	"sync"
)

// Stream is a conflated view of one entity's subscription state. Listeners
// see the latest state; intermediate states may be skipped.
type Stream struct {
	entityID string

	mu        sync.Mutex
	current   State
	listeners map[int]chan State
	next      int
	closed    bool
}

func newStream(entityID string, initial State) *Stream {
	return &Stream{
		entityID:  entityID,
		current:   initial,
		listeners: make(map[int]chan State),
	}
}

// EntityID returns the entity the stream belongs to.
func (s *Stream) EntityID() string {
	return s.entityID
}

// Current returns the latest state.
func (s *Stream) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Listen returns a channel that immediately holds the current state and
// then every later change. The channel is closed by cancel or when the
// coordinator closes.
func (s *Stream) Listen() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan State, 1)
	if s.closed {
		ch <- s.current
		close(ch)
		return ch, func() {}
	}

	id := s.next
	s.next++
	s.listeners[id] = ch
	ch <- s.current

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if l, ok := s.listeners[id]; ok {
				delete(s.listeners, id)
				close(l)
			}
		})
	}
}

// listening reports whether any listener is attached.
func (s *Stream) listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners) > 0
}

// set publishes st. It reports whether the state changed.
func (s *Stream) set(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.current == st {
		return false
	}
	s.current = st
	for _, ch := range s.listeners {
		// Drop the unread value; only the latest matters.
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
	return true
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.listeners {
		delete(s.listeners, id)
		close(ch)
	}
}
