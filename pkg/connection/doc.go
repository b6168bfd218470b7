// Package connection provides connection lifecycle primitives shared by the
// session engine and the subscription coordinator.
//
// This package handles:
//   - The session state enumeration and its observable State value
//   - Fibonacci backoff for reconnection attempts
//   - Exponential backoff for request retries
//   - Jitter to prevent thundering herd
//
// # Reconnection Strategy
//
// When a connection is lost, the session waits before reconnecting:
//
//	wait = min(fibonacci(failedAttempts) * 1s, 45s) * (1 + random(0, 0.2))
//
// giving 0s, 1s, 1s, 2s, 3s, 5s, 8s, 13s, 21s, 34s, 45s, 45s...
// The attempt counter resets to 0 as soon as the session is connected.
//
// # Throttling
//
// When the server answers with 429 it supplies a reconnect window; the wait
// is then drawn uniformly from [min, max) instead of the fibonacci sequence.
package connection
