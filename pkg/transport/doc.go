// Package transport provides the duplex socket the session runs over.
//
// The transport layer handles:
//   - Secure WebSocket (wss://) connections to the sync gateway
//   - TLS configuration and certificate error classification
//   - Connected, disconnected and message callbacks
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   RTSOCK text frames (wire)    │
//	├────────────────────────────────┤
//	│       WebSocket messages       │
//	├────────────────────────────────┤
//	│         TLS 1.2+               │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// One WebSocket message carries exactly one frame, so this layer does not
// split or reassemble bytes.
//
// # Callbacks
//
// A Socket reports to its Listener from its own goroutines. OnDisconnected
// fires at most once per socket and never after a local Disconnect.
// Liveness is not checked here; the session runs its own watchdog.
package transport
