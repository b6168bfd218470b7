package session

import (
	"errors"
	"fmt"

	"github.com/rtsync/rtsync-go/pkg/transport"
	"github.com/rtsync/rtsync-go/pkg/wire"
)

// Session errors.
var (
	ErrTimeout               = errors.New("request timed out")
	ErrCancelled             = errors.New("request cancelled")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrNetworkUnreachable    = errors.New("network unreachable")
	ErrNotConnected          = errors.New("session not connected")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenUpdatedLocally   = errors.New("token updated locally")
	ErrTooManyRequests       = errors.New("too many requests")
	ErrCloseMessageReceived  = errors.New("close message received")
	ErrUnknown               = errors.New("unknown error")
	ErrSessionClosed         = errors.New("session is closed")
)

// ReplyError is a non-success status returned by the gateway.
type ReplyError struct {
	Status wire.Status
	Reason error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%v: %s", e.Reason, e.Status)
}

func (e *ReplyError) Unwrap() error {
	return e.Reason
}

// statusError classifies a gateway status. It returns nil for 2xx.
func statusError(st wire.Status) error {
	if st.IsSuccess() {
		return nil
	}
	var reason error
	switch {
	case st.IsTokenExpired():
		reason = ErrTokenExpired
	case st.Code == wire.CodeUnauthorized:
		reason = ErrUnauthorized
	case st.Code == wire.CodeTooManyRequests:
		reason = ErrTooManyRequests
	default:
		reason = ErrUnknown
	}
	return &ReplyError{Status: st, Reason: reason}
}

// classifyClose maps a server close frame to its reason and reports whether
// it ends the session.
func classifyClose(st wire.Status) (bool, error) {
	switch {
	case st.Code == wire.CodeGone || st.IsTokenExpired():
		return true, &ReplyError{Status: st, Reason: ErrTokenExpired}
	case st.Code == wire.CodeUnauthorized:
		return true, &ReplyError{Status: st, Reason: ErrUnauthorized}
	default:
		return false, &ReplyError{Status: st, Reason: ErrCloseMessageReceived}
	}
}

// IsFatal reports whether err permanently ends a session. Fatal errors are
// not retried; the caller must Connect again.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, wire.ErrCannotParse),
		transport.IsFatal(err):
		return true
	}
	return false
}
