// Package session implements the client side of the gateway session
// protocol: one authenticated WebSocket, request/reply correlation,
// reconnection with backoff and server throttling.
//
// # Concurrency
//
// A Session owns a single loop goroutine. Public methods post events to an
// unbounded mailbox and never touch session state directly. The loop feeds
// each event to a pure state machine and interprets the effects it returns
// (open or close the socket, transmit, arm timers, resolve requests).
// Observer callbacks run on a separate dispatcher goroutine so they may
// call back into the session.
//
// # States
//
//	Disconnected ──connect──► Connecting ──socket open──► Initializing
//	      ▲                        ▲                           │ init ok
//	      │ fatal                  │ timer / network back      ▼
//	      └──────────────── WaitAndReconnect ◄──non-fatal── Connected ◄─┐
//	                                                           │ 429    │ timer
//	                                                           ▼        │
//	                                                       Throttling ──┘
//
// Fatal errors (401, token expiry, malformed frames, certificate failures)
// end in Disconnected and are not retried. Everything else reconnects after
// a fibonacci backoff capped at 45s.
//
// # Requests
//
// Every request resolves exactly once: with its reply, with ErrTimeout, or
// with the error that tore down the connection it was sent on. Requests
// issued while not yet connected wait in a FIFO and are sent on entering
// Connected; requests issued while Disconnected fail at once.
package session
