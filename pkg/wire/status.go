package wire

import (
	"fmt"
)

// Status codes carried in reply and close frames.
const (
	CodeOK              = 200
	CodeRedirect        = 308
	CodeBadRequest      = 400
	CodeUnauthorized    = 401
	CodeNotFound        = 404
	CodeGone            = 410
	CodeTooManyRequests = 429
)

// ErrorCodeTokenExpired is the application error code the gateway uses when
// the access token presented by the client has expired.
const ErrorCodeTokenExpired = 20104

// Status is the gateway-level outcome of a request.
//
// JSON encoding:
//
//	{"status": "ok", "code": 200, "errorCode": 20104, "description": "..."}
type Status struct {
	Status      string `json:"status"`
	Code        int    `json:"code"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	Description string `json:"description,omitempty"`
}

// StatusOK is the status used to acknowledge server frames.
var StatusOK = Status{Status: "ok", Code: CodeOK}

// IsSuccess returns true for 2xx codes.
func (s Status) IsSuccess() bool {
	return s.Code >= 200 && s.Code < 300
}

// IsTokenExpired returns true if the status reports an expired access token.
func (s Status) IsTokenExpired() bool {
	return s.ErrorCode == ErrorCodeTokenExpired
}

// String returns a compact representation for logs.
func (s Status) String() string {
	if s.ErrorCode != 0 {
		return fmt.Sprintf("%d/%d %s", s.Code, s.ErrorCode, s.Status)
	}
	return fmt.Sprintf("%d %s", s.Code, s.Status)
}

// HTTPStatus is the status of the upstream HTTP call proxied by a message
// request.
type HTTPStatus struct {
	Code   int    `json:"code"`
	Status string `json:"status,omitempty"`
}

// IsSuccess returns true for 2xx codes.
func (s *HTTPStatus) IsSuccess() bool {
	return s != nil && s.Code >= 200 && s.Code < 300
}
