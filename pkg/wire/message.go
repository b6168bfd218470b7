package wire

import (
	"encoding/json"
	"time"
)

// DefaultPayloadType is used when a payload is present and the sender did
// not name a type.
const DefaultPayloadType = "application/json"

// Message is implemented by every frame variant.
type Message interface {
	// Envelope returns the common header fields of the frame.
	Envelope() *Header
}

// Header holds the fields common to every frame. It is embedded in each
// variant so the variant's own fields are merged into the same JSON object.
type Header struct {
	Method      Method `json:"method"`
	ID          string `json:"id"`
	PayloadSize int    `json:"payload_size,omitempty"`
	PayloadType string `json:"payload_type,omitempty"`

	// Payload travels after the header, never inside it.
	Payload []byte `json:"-"`
}

// Envelope implements Message.
func (h *Header) Envelope() *Header {
	return h
}

// Registration asks the gateway to route a product's push traffic to this
// connection.
type Registration struct {
	Product       string   `json:"product"`
	Type          string   `json:"type"`
	Notifications []string `json:"notifications,omitempty"`
}

// Init opens a session.
type Init struct {
	Header
	Capabilities      []string          `json:"capabilities"`
	Token             string            `json:"token"`
	ContinuationToken string            `json:"continuation_token,omitempty"`
	Registrations     []Registration    `json:"registrations,omitempty"`
	Tweaks            json.RawMessage   `json:"tweaks,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Update replaces the access token of an open session.
type Update struct {
	Header
	Token string `json:"token"`
}

// Ping is a server liveness check.
type Ping struct {
	Header
}

// Close is sent by the server before it drops the connection.
type Close struct {
	Header
	Status Status `json:"status"`
}

// Notification carries a server push.
type Notification struct {
	Header
	MessageType string `json:"message_type"`
}

// HTTPRequest describes the upstream call a message request is proxied to.
type HTTPRequest struct {
	Host    string            `json:"host,omitempty"`
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Request is a generic client request (method "message").
type Request struct {
	Header
	Target      string       `json:"target,omitempty"`
	HTTPRequest *HTTPRequest `json:"http_request,omitempty"`
}

// AccountDescriptor identifies the account bound to the session.
type AccountDescriptor struct {
	AccountSid  string `json:"account_sid"`
	InstanceSid string `json:"instance_sid,omitempty"`
	Identity    string `json:"identity,omitempty"`
}

// Reply answers a request carrying the same id.
type Reply struct {
	Header
	Status            Status             `json:"status"`
	HTTPStatus        *HTTPStatus        `json:"http_status,omitempty"`
	ContinuationToken string             `json:"continuation_token,omitempty"`
	HTTPHeaders       map[string]string  `json:"http_headers,omitempty"`
	AccountDescriptor *AccountDescriptor `json:"account_descriptor,omitempty"`
}

// ThrottleWindow returns the reconnect window a 429 reply asks for.
//
// Payload encoding:
//
//	{"reconnect_min_ms": 1000, "reconnect_max_ms": 2000}
func (r *Reply) ThrottleWindow() (lo, hi time.Duration, ok bool) {
	if len(r.Payload) == 0 {
		return 0, 0, false
	}
	var w struct {
		MinMs int64 `json:"reconnect_min_ms"`
		MaxMs int64 `json:"reconnect_max_ms"`
	}
	if err := json.Unmarshal(r.Payload, &w); err != nil {
		return 0, 0, false
	}
	if w.MinMs <= 0 && w.MaxMs <= 0 {
		return 0, 0, false
	}
	if w.MaxMs < w.MinMs {
		w.MaxMs = w.MinMs
	}
	return time.Duration(w.MinMs) * time.Millisecond, time.Duration(w.MaxMs) * time.Millisecond, true
}

// ClientUpdate is a server push about the client itself, e.g. token expiry.
type ClientUpdate struct {
	Header
	ClientUpdateType string `json:"client_update_type"`
}

// Unknown holds a frame whose method this package does not know. Fields has
// every header field except the common ones.
type Unknown struct {
	Header
	Fields map[string]json.RawMessage `json:"-"`
}

// MarshalJSON merges Fields into the header object.
func (u *Unknown) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(u.Fields)+4)
	for k, v := range u.Fields {
		obj[k] = v
	}
	obj["method"] = u.Method
	obj["id"] = u.ID
	if u.PayloadSize > 0 {
		obj["payload_size"] = u.PayloadSize
	}
	if u.PayloadType != "" {
		obj["payload_type"] = u.PayloadType
	}
	return json.Marshal(obj)
}

// UnmarshalJSON splits the header object into common fields and Fields.
func (u *Unknown) UnmarshalJSON(data []byte) error {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"method", "id", "payload_size", "payload_type"} {
		delete(all, k)
	}
	payload := u.Payload
	u.Header = h
	u.Payload = payload
	u.Fields = nil
	if len(all) > 0 {
		u.Fields = all
	}
	return nil
}

// NewReply builds the acknowledgement for a server frame.
func NewReply(id string, status Status) *Reply {
	return &Reply{
		Header: Header{Method: MethodReply, ID: id},
		Status: status,
	}
}

// newMessage returns an empty variant for the method.
func newMessage(m Method) Message {
	switch m {
	case MethodInit:
		return &Init{}
	case MethodUpdate:
		return &Update{}
	case MethodPing:
		return &Ping{}
	case MethodClose:
		return &Close{}
	case MethodNotification:
		return &Notification{}
	case MethodMessage:
		return &Request{}
	case MethodReply:
		return &Reply{}
	case MethodClientUpdate:
		return &ClientUpdate{}
	default:
		return &Unknown{}
	}
}
