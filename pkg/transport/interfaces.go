package transport

// Socket is a duplex message connection to the gateway.
// Implemented by WebSocket.
type Socket interface {
	// Connect starts opening the connection. The outcome is reported to
	// the Listener.
	Connect()

	// Send transmits one frame.
	Send(data []byte) error

	// Disconnect closes the connection. No callbacks fire afterwards.
	Disconnect()
}

// Listener receives socket events.
type Listener interface {
	// OnConnected is called once the connection is open.
	OnConnected()

	// OnDisconnected is called when the connection fails or drops.
	OnDisconnected(err error)

	// OnMessage is called for every inbound message.
	OnMessage(data []byte)
}

// Dialer creates a socket bound to a listener. The session creates a fresh
// socket for every connection attempt.
type Dialer func(listener Listener) Socket

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Connected    func()
	Disconnected func(err error)
	Message      func(data []byte)
}

// OnConnected implements Listener.
func (l ListenerFuncs) OnConnected() {
	if l.Connected != nil {
		l.Connected()
	}
}

// OnDisconnected implements Listener.
func (l ListenerFuncs) OnDisconnected(err error) {
	if l.Disconnected != nil {
		l.Disconnected(err)
	}
}

// OnMessage implements Listener.
func (l ListenerFuncs) OnMessage(data []byte) {
	if l.Message != nil {
		l.Message(data)
	}
}

// Compile-time interface satisfaction checks.
var (
	_ Socket   = (*WebSocket)(nil)
	_ Listener = ListenerFuncs{}
)
