package connection

import (
	"fmt"
	"time"
)

// StateKind identifies a session state.
type StateKind uint8

const (
	// StateDisconnected indicates no connection and no reconnect scheduled.
	StateDisconnected StateKind = iota

	// StateConnecting indicates the transport socket is being opened.
	StateConnecting

	// StateInitializing indicates the init handshake is in flight.
	StateInitializing

	// StateConnected indicates an open session; requests are transmitted.
	StateConnected

	// StateWaitAndReconnect indicates a transient failure; a reconnect is
	// scheduled or waits for the network to come back.
	StateWaitAndReconnect

	// StateThrottling indicates the server asked the client to slow down;
	// the socket stays open but nothing is transmitted.
	StateThrottling
)

// String returns a human-readable state name.
func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateInitializing:
		return "INITIALIZING"
	case StateConnected:
		return "CONNECTED"
	case StateWaitAndReconnect:
		return "WAIT_AND_RECONNECT"
	case StateThrottling:
		return "THROTTLING"
	default:
		return "UNKNOWN"
	}
}

// State is the observable session state.
type State struct {
	Kind StateKind

	// Reason is the error that caused a Disconnected or WaitAndReconnect
	// state. Nil for a disconnect requested by the caller.
	Reason error

	// Wait is the scheduled delay of WaitAndReconnect and Throttling.
	// Zero while waiting for the network to become reachable.
	Wait time.Duration

	// Epoch numbers the established connection in Connected and
	// Throttling. It grows with every successful init.
	Epoch uint64
}

// Disconnected returns the Disconnected state.
func Disconnected(reason error) State {
	return State{Kind: StateDisconnected, Reason: reason}
}

// String returns a human-readable state description.
func (s State) String() string {
	switch {
	case s.Reason != nil && s.Wait > 0:
		return fmt.Sprintf("%s(%v, %s)", s.Kind, s.Reason, s.Wait)
	case s.Reason != nil:
		return fmt.Sprintf("%s(%v)", s.Kind, s.Reason)
	case s.Wait > 0:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Wait)
	default:
		return s.Kind.String()
	}
}

// Is reports whether the state has the given kind.
func (s State) Is(kind StateKind) bool {
	return s.Kind == kind
}

// IsOnline returns true if the session is connected or on its way to be.
// A Disconnected session needs an explicit Connect to come back.
func (s State) IsOnline() bool {
	return s.Kind != StateDisconnected
}
