package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rtsync/rtsync-go/pkg/wire"
)

// Outcome is the resolution of a Request.
type Outcome uint8

const (
	// OutcomePending means the request has not resolved yet.
	OutcomePending Outcome = iota
	// OutcomeSuccess means a success reply arrived.
	OutcomeSuccess
	// OutcomeTimeout means the request timed out.
	OutcomeTimeout
	// OutcomeFailure means the request failed with any other error.
	OutcomeFailure
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Request tracks one outstanding call. It resolves exactly once, by a
// reply, a timeout or an explicit cancel.
type Request struct {
	id      string
	msg     wire.Message
	timeout time.Duration
	created time.Time

	// tokenUpdate marks Update requests so newer tokens can supersede them.
	tokenUpdate bool

	// connScoped requests are only sent on the connection numbered epoch.
	connScoped bool
	epoch      uint64

	// sentAt is owned by the session loop.
	sentAt time.Time

	once  sync.Once
	done  chan struct{}
	reply *wire.Reply
	err   error

	timerMu sync.Mutex
	timer   *time.Timer

	// forget asks the owner to drop the request from its tables.
	forget func(r *Request)
}

// NewRequestID returns a fresh request id ("RQ" + 32 hex digits).
func NewRequestID() string {
	u := uuid.New()
	return "RQ" + hex.EncodeToString(u[:])
}

// newRequest assigns msg a fresh id and arms the timeout. forget is called
// when the request resolves without the owner's involvement.
func newRequest(msg wire.Message, timeout time.Duration, forget func(*Request)) *Request {
	r := &Request{
		id:      NewRequestID(),
		msg:     msg,
		timeout: timeout,
		created: time.Now(),
		done:    make(chan struct{}),
		forget:  forget,
	}
	msg.Envelope().ID = r.id

	r.timerMu.Lock()
	r.timer = time.AfterFunc(timeout, r.expire)
	r.timerMu.Unlock()
	return r
}

// ID returns the request id.
func (r *Request) ID() string {
	return r.id
}

// Message returns the message sent for this request.
func (r *Request) Message() wire.Message {
	return r.msg
}

func (r *Request) expire() {
	err := fmt.Errorf("%w after %v", ErrTimeout, r.timeout)
	if r.resolve(nil, err) && r.forget != nil {
		r.forget(r)
	}
}

// complete resolves the request with a reply. It reports whether this call
// resolved it.
func (r *Request) complete(reply *wire.Reply) bool {
	return r.resolve(reply, nil)
}

// cancel resolves the request with err. It reports whether this call
// resolved it.
func (r *Request) cancel(err error) bool {
	return r.resolve(nil, err)
}

func (r *Request) resolve(reply *wire.Reply, err error) bool {
	resolved := false
	r.once.Do(func() {
		r.reply = reply
		r.err = err
		r.timerMu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		r.timerMu.Unlock()
		close(r.done)
		resolved = true
	})
	return resolved
}

// Done is closed when the request resolves.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// resolved reports whether the request has resolved.
func (r *Request) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Result returns the reply or error. Valid after Done is closed.
func (r *Request) Result() (*wire.Reply, error) {
	<-r.done
	return r.reply, r.err
}

// Outcome classifies the resolution.
func (r *Request) Outcome() Outcome {
	if !r.resolved() {
		return OutcomePending
	}
	switch {
	case r.err == nil:
		return OutcomeSuccess
	case errors.Is(r.err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeFailure
	}
}

// Wait blocks until the request resolves or ctx is done. A cancelled wait
// cancels the request so it leaves the owner's tables.
func (r *Request) Wait(ctx context.Context) (*wire.Reply, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		if r.cancel(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())) && r.forget != nil {
			r.forget(r)
		}
	}
	return r.Result()
}
