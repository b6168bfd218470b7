package log

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	ConnectionID string
	Direction    *Direction
	Layer        *Layer
	Category     *Category

	// Since and Until bound the timestamp to [Since, Until).
	Since time.Time
	Until time.Time

	// Method matches frames and decoded messages by frame method.
	Method string

	// MessageID matches frames and decoded messages by correlation id.
	MessageID string

	// Subject matches subscription state changes by entity id.
	Subject string
}

// Match reports whether event passes every set criterion.
func (f Filter) Match(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID,
		f.Direction != nil && event.Direction != *f.Direction,
		f.Layer != nil && event.Layer != *f.Layer,
		f.Category != nil && event.Category != *f.Category,
		!f.Since.IsZero() && event.Timestamp.Before(f.Since),
		!f.Until.IsZero() && !event.Timestamp.Before(f.Until),
		f.Method != "" && event.Method() != f.Method,
		f.MessageID != "" && event.MessageID() != f.MessageID:
		return false
	}
	if f.Subject != "" {
		sc := event.StateChange
		return sc != nil && sc.Entity == StateEntitySubscription && sc.Subject == f.Subject
	}
	return true
}

// Reader streams the records of one capture file.
type Reader struct {
	file   *os.File
	dec    *cbor.Decoder
	header Header
	empty  bool
}

// OpenCapture opens path and reads its header. An empty file yields no
// events; a file with any other first record fails with ErrNotCapture.
func OpenCapture(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{file: f, dec: decMode.NewDecoder(f)}

	var raw cbor.RawMessage
	switch err := r.dec.Decode(&raw); {
	case errors.Is(err, io.EOF):
		r.empty = true
		return r, nil
	case err != nil:
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := decMode.Unmarshal(raw, &r.header); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotCapture)
	}
	if err := r.header.check(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Header returns the capture header. It is zero for an empty file.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Event, error) {
	if r.empty {
		return Event{}, io.EOF
	}
	var event Event
	err := r.dec.Decode(&event)
	return event, err
}

// Events yields the records that match f. A decode error is yielded once
// and ends the sequence.
func (r *Reader) Events(f Filter) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if f.Match(event) && !yield(event, nil) {
				return
			}
		}
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}
