package wire

// Method identifies the frame variant.
type Method string

const (
	MethodInit         Method = "init"
	MethodUpdate       Method = "update"
	MethodPing         Method = "ping"
	MethodClose        Method = "close"
	MethodNotification Method = "notification"
	MethodMessage      Method = "message"
	MethodReply        Method = "reply"
	MethodClientUpdate Method = "client_update"
)

// String returns the method name.
func (m Method) String() string {
	return string(m)
}

// IsKnown returns true if the method maps to a typed message variant.
func (m Method) IsKnown() bool {
	switch m {
	case MethodInit, MethodUpdate, MethodPing, MethodClose,
		MethodNotification, MethodMessage, MethodReply, MethodClientUpdate:
		return true
	default:
		return false
	}
}

// ExpectsReply returns true if the receiver of a frame with this method must
// acknowledge it with a reply frame carrying the same id.
func (m Method) ExpectsReply() bool {
	switch m {
	case MethodPing, MethodNotification, MethodClientUpdate, MethodInit,
		MethodUpdate, MethodMessage:
		return true
	default:
		return false
	}
}

// Client update types pushed by the server.
const (
	ClientUpdateTokenAboutToExpire = "token_about_to_expire"
	ClientUpdateTokenExpired       = "token_expired"
)
