package session

import (
	"sync"

	"github.com/rtsync/rtsync-go/internal/mailbox"
	"github.com/rtsync/rtsync-go/pkg/connection"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

// handlers is an ordered list of callbacks that can be removed.
type handlers[T any] struct {
	mu   sync.Mutex
	next int
	list []handler[T]
}

type handler[T any] struct {
	id int
	fn func(T)
}

func (h *handlers[T]) add(fn func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.list = append(h.list, handler[T]{id: id, fn: fn})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.list {
			if e.id == id {
				h.list = append(h.list[:i:i], h.list[i+1:]...)
				return
			}
		}
	}
}

func (h *handlers[T]) snapshot() []func(T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fns := make([]func(T), len(h.list))
	for i, e := range h.list {
		fns[i] = e.fn
	}
	return fns
}

// observers delivers session events on a dedicated goroutine, in order.
// Handlers may call back into the session.
type observers struct {
	queue *mailbox.Dispatcher

	stateChange        handlers[connection.State]
	fatalError         handlers[error]
	nonFatalError      handlers[error]
	tokenAboutToExpire handlers[struct{}]
	tokenExpired       handlers[struct{}]
	notification       handlers[*wire.Notification]
	clientUpdate       handlers[*wire.ClientUpdate]
}

func newObservers() *observers {
	return &observers{queue: mailbox.NewDispatcher()}
}

// close stops delivery after the queued events.
func (o *observers) close() {
	o.queue.Stop()
}

// emit queues delivery of v to the handlers registered now.
func emit[T any](o *observers, h *handlers[T], v T) {
	fns := h.snapshot()
	if len(fns) == 0 {
		return
	}
	o.queue.Go(func() {
		for _, fn := range fns {
			fn(v)
		}
	})
}

// OnStateChange registers fn for every state transition. The returned
// function removes it.
func (s *Session) OnStateChange(fn func(connection.State)) func() {
	return s.observers.stateChange.add(fn)
}

// OnFatalError registers fn for errors that ended the session.
func (s *Session) OnFatalError(fn func(error)) func() {
	return s.observers.fatalError.add(fn)
}

// OnNonFatalError registers fn for recovered errors.
func (s *Session) OnNonFatalError(fn func(error)) func() {
	return s.observers.nonFatalError.add(fn)
}

// OnTokenAboutToExpire registers fn for the about-to-expire signal.
func (s *Session) OnTokenAboutToExpire(fn func()) func() {
	return s.observers.tokenAboutToExpire.add(func(struct{}) { fn() })
}

// OnTokenExpired registers fn for the token-expired signal.
func (s *Session) OnTokenExpired(fn func()) func() {
	return s.observers.tokenExpired.add(func(struct{}) { fn() })
}

// OnNotification registers fn for server push notifications.
func (s *Session) OnNotification(fn func(*wire.Notification)) func() {
	return s.observers.notification.add(fn)
}

// OnClientUpdate registers fn for client_update frames.
func (s *Session) OnClientUpdate(fn func(*wire.ClientUpdate)) func() {
	return s.observers.clientUpdate.add(fn)
}
