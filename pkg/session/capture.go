package session

import (
	"errors"
	"time"

	"github.com/rtsync/rtsync-go/pkg/connection"
	"github.com/rtsync/rtsync-go/pkg/log"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

func (s *Session) capture(ev log.Event) {
	ev.Timestamp = time.Now()
	ev.ConnectionID = s.connID
	ev.URL = s.config.URL
	s.config.ProtocolLogger.Log(ev)
}

func (s *Session) captureFrame(dir log.Direction, data []byte) {
	s.capture(log.Event{
		Direction: dir,
		Layer:     log.LayerTransport,
		Category:  log.CategoryMessage,
		Frame:     log.NewFrameEvent(data),
	})
}

// captureMessage records a decoded message. r is the request a reply
// answers, if any.
func (s *Session) captureMessage(dir log.Direction, msg wire.Message, r *Request) {
	me := log.NewMessageEvent(msg)
	if r != nil && !r.sentAt.IsZero() {
		rtt := time.Since(r.sentAt)
		me.RoundTrip = &rtt
	}
	s.capture(log.Event{
		Direction: dir,
		Layer:     log.LayerWire,
		Category:  log.CategoryOf(msg.Envelope().Method),
		Message:   me,
	})
}

func (s *Session) captureState(prev, next connection.State) {
	sc := &log.StateChangeEvent{
		Entity:   log.StateEntitySession,
		OldState: prev.Kind.String(),
		NewState: next.Kind.String(),
	}
	if next.Reason != nil {
		sc.Reason = next.Reason.Error()
	}
	s.capture(log.Event{
		Layer:       log.LayerSession,
		Category:    log.CategoryState,
		StateChange: sc,
	})
}

func (s *Session) captureError(err error, fatal bool) {
	if err == nil {
		return
	}
	data := &log.ErrorEventData{
		Layer:   log.LayerSession,
		Message: err.Error(),
		Fatal:   fatal,
	}
	var re *ReplyError
	if errors.As(err, &re) {
		code := re.Status.Code
		data.Code = &code
	}
	s.capture(log.Event{
		Layer:    log.LayerSession,
		Category: log.CategoryError,
		Error:    data,
	})
}
