// Package wire defines the text frame format spoken between the client and
// the sync gateway.
//
// Every frame is a status line, a JSON header and an optional payload:
//
//	RTSOCK V3.0 <header-size>\r\n
//	<header-json>\r\n
//	<payload>\r\n
//
// The header size is the byte length of the UTF-8 encoded header. The
// trailing CRLF is only present when a payload follows the header.
//
// # Message Types
//
// The header always carries "method" and "id". The method selects the typed
// message variant:
//   - init, update: session handshake and token refresh (client to server)
//   - message: generic request (client to server)
//   - reply: response to any request (both directions)
//   - ping, notification, client_update, close: server-initiated frames
//
// Methods this package does not know decode into Unknown so newer servers do
// not break older clients.
//
// # Payload
//
// When a payload is present the header carries "payload_size" (bytes) and
// "payload_type" (MIME type, application/json by default). The payload itself
// is opaque to this package.
package wire
