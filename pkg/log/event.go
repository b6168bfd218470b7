package log

import (
	"encoding/json"
	"time"

	"github.com/rtsync/rtsync-go/pkg/wire"
)

// MaxFrameCapture is the number of frame bytes kept in a FrameEvent.
const MaxFrameCapture = 4096

// Event is one captured record. Exactly one of Frame, Message, StateChange
// and Error is set. Keys are small integers on the wire.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID is the session id, stable across reconnects.
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// URL is the gateway the session dials.
	URL string `cbor:"6,keyasint,omitempty"`

	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Kind names the record: "frame", "state", "error" or the message method.
func (e Event) Kind() string {
	switch {
	case e.Frame != nil:
		return "frame"
	case e.Message != nil:
		return e.Message.Method
	case e.StateChange != nil:
		return "state"
	case e.Error != nil:
		return "error"
	}
	return "unknown"
}

// Method is the frame method of a frame or message record.
func (e Event) Method() string {
	switch {
	case e.Message != nil:
		return e.Message.Method
	case e.Frame != nil:
		return e.Frame.Method
	}
	return ""
}

// MessageID is the correlation id of a frame or message record.
func (e Event) MessageID() string {
	switch {
	case e.Message != nil:
		return e.Message.ID
	case e.Frame != nil:
		return e.Frame.ID
	}
	return ""
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return "UNKNOWN"
	}
	return names[i]
}

// Direction is IN for frames from the gateway, OUT for frames to it.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

var directionNames = []string{"IN", "OUT"}

func (d Direction) String() string { return enumName(directionNames, int(d)) }

// Layer is where an event was recorded.
type Layer uint8

const (
	// LayerTransport records raw socket frames.
	LayerTransport Layer = iota
	// LayerWire records decoded frames.
	LayerWire
	// LayerSession records the connection state machine.
	LayerSession
	// LayerSubscription records the subscription coordinator.
	LayerSubscription
)

var layerNames = []string{"TRANSPORT", "WIRE", "SESSION", "SUBSCRIPTION"}

func (l Layer) String() string { return enumName(layerNames, int(l)) }

// Category groups records for filtering.
type Category uint8

const (
	// CategoryMessage covers init, message, reply and notification frames.
	CategoryMessage Category = iota
	// CategoryControl covers ping, close and client_update frames.
	CategoryControl
	CategoryState
	CategoryError
)

var categoryNames = []string{"MESSAGE", "CONTROL", "STATE", "ERROR"}

func (c Category) String() string { return enumName(categoryNames, int(c)) }

// CategoryOf returns the category a method is recorded under.
func CategoryOf(m wire.Method) Category {
	switch m {
	case wire.MethodPing, wire.MethodClose, wire.MethodClientUpdate:
		return CategoryControl
	default:
		return CategoryMessage
	}
}

// FrameEvent is a raw RTSOCK frame as it crossed the socket.
type FrameEvent struct {
	Size      int    `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`

	// Method and ID come from the frame header. Both are empty when the
	// header does not parse.
	Method string `cbor:"4,keyasint,omitempty"`
	ID     string `cbor:"5,keyasint,omitempty"`
}

// NewFrameEvent copies at most MaxFrameCapture bytes of data and reads the
// method and id from its header.
func NewFrameEvent(data []byte) *FrameEvent {
	fe := &FrameEvent{Size: len(data)}
	keep := data
	if len(keep) > MaxFrameCapture {
		keep = keep[:MaxFrameCapture]
		fe.Truncated = true
	}
	fe.Data = append([]byte(nil), keep...)
	if m, id, ok := wire.PeekMethod(data); ok {
		fe.Method, fe.ID = string(m), id
	}
	return fe
}

// MessageEvent is a decoded frame.
type MessageEvent struct {
	Method string `cbor:"1,keyasint"`
	ID     string `cbor:"2,keyasint,omitempty"`

	// Status and ErrorCode are set for reply and close frames.
	Status    *int `cbor:"3,keyasint,omitempty"`
	ErrorCode *int `cbor:"4,keyasint,omitempty"`

	// MessageType is the notification or client update type.
	MessageType string `cbor:"5,keyasint,omitempty"`

	PayloadSize int `cbor:"6,keyasint,omitempty"`
	Payload     any `cbor:"7,keyasint,omitempty"`

	// RoundTrip is set on replies: time since the request was written.
	RoundTrip *time.Duration `cbor:"8,keyasint,omitempty"`
}

// NewMessageEvent describes msg. JSON payloads up to MaxFrameCapture bytes
// are kept decoded.
func NewMessageEvent(msg wire.Message) *MessageEvent {
	h := msg.Envelope()
	me := &MessageEvent{
		Method:      string(h.Method),
		ID:          h.ID,
		PayloadSize: len(h.Payload),
	}

	switch m := msg.(type) {
	case *wire.Reply:
		me.setStatus(m.Status)
	case *wire.Close:
		me.setStatus(m.Status)
	case *wire.Notification:
		me.MessageType = m.MessageType
	case *wire.ClientUpdate:
		me.MessageType = m.ClientUpdateType
	}

	if n := len(h.Payload); n > 0 && n <= MaxFrameCapture {
		var v any
		if json.Unmarshal(h.Payload, &v) == nil {
			me.Payload = v
		}
	}
	return me
}

func (me *MessageEvent) setStatus(s wire.Status) {
	code := s.Code
	me.Status = &code
	if s.ErrorCode != 0 {
		ec := s.ErrorCode
		me.ErrorCode = &ec
	}
}

// StateChangeEvent is a session or subscription transition.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`

	// Subject is the entity id of a subscription transition.
	Subject string `cbor:"5,keyasint,omitempty"`
}

// StateEntity is what changed state.
type StateEntity uint8

const (
	StateEntitySession StateEntity = iota
	StateEntitySubscription
)

var entityNames = []string{"SESSION", "SUBSCRIPTION"}

func (s StateEntity) String() string { return enumName(entityNames, int(s)) }

// ErrorEventData is a failure recorded at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Code is the reply status code for rejected requests.
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context names the operation that failed.
	Context string `cbor:"4,keyasint,omitempty"`

	// Fatal marks errors that ended the session.
	Fatal bool `cbor:"5,keyasint,omitempty"`
}
