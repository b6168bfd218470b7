// Package log records what an rtsync client puts on and takes off the wire.
//
// The session and the subscription coordinator report Events to a Logger:
// raw RTSOCK frames, decoded frames with reply round trips, session and
// subscription state changes, and errors. This trace is separate from the
// operational slog output.
//
// Sinks:
//
//	f, _ := log.NewFileLogger("protocol.cbor", log.WithRotation(64<<20, 3))
//	trace := log.NewSlogAdapter(slog.Default())
//	cfg.ProtocolLogger = log.Tee(f, trace)
//
// A capture file is a CBOR sequence: a Header followed by one record per
// Event, all with integer map keys. OpenCapture reads it back and the
// rtsync-log command views, filters and exports it.
package log
