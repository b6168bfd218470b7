package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rtsync/rtsync-go/pkg/version"
)

// ProtocolTag starts the status line of every frame this package writes.
// Frames of any minor version of the same major version are accepted.
const ProtocolTag = protocolName + " V" + version.Protocol

const protocolName = "RTSOCK"

// ErrCannotParse is returned for any malformed frame.
var ErrCannotParse = errors.New("cannot parse frame")

var crlf = []byte("\r\n")

// Encode serializes a message into a frame.
//
// Encode fills PayloadSize from the payload and defaults PayloadType to
// application/json, so a decoded frame compares equal to the encoded message.
func Encode(msg Message) ([]byte, error) {
	h := msg.Envelope()
	if h.Method == "" {
		return nil, fmt.Errorf("encode frame: missing method")
	}
	h.PayloadSize = len(h.Payload)
	if h.PayloadSize > 0 {
		if h.PayloadType == "" {
			h.PayloadType = DefaultPayloadType
		}
	} else {
		h.PayloadType = ""
		h.Payload = nil
	}

	header, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(ProtocolTag) + len(header) + len(h.Payload) + 16)
	buf.WriteString(ProtocolTag)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(header)))
	buf.Write(crlf)
	buf.Write(header)
	buf.Write(crlf)
	if h.PayloadSize > 0 {
		buf.Write(h.Payload)
		buf.Write(crlf)
	}
	return buf.Bytes(), nil
}

// Decode parses a frame into its typed message variant.
func Decode(data []byte) (Message, error) {
	parts := bytes.SplitN(data, crlf, 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected status line, header and payload", ErrCannotParse)
	}

	size, err := parseStatusLine(parts[0])
	if err != nil {
		return nil, err
	}

	header := parts[1]
	if len(header) != size {
		return nil, fmt.Errorf("%w: header size %d, declared %d", ErrCannotParse, len(header), size)
	}

	var base Header
	if err := json.Unmarshal(header, &base); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCannotParse, err)
	}
	if base.Method == "" {
		return nil, fmt.Errorf("%w: header without method", ErrCannotParse)
	}

	var payload []byte
	if base.PayloadSize > 0 {
		rest := parts[2]
		if len(rest) < base.PayloadSize {
			return nil, fmt.Errorf("%w: payload size %d, declared %d", ErrCannotParse, len(rest), base.PayloadSize)
		}
		payload = make([]byte, base.PayloadSize)
		copy(payload, rest[:base.PayloadSize])
	} else if base.PayloadSize < 0 {
		return nil, fmt.Errorf("%w: negative payload size", ErrCannotParse)
	}

	msg := newMessage(base.Method)
	if err := json.Unmarshal(header, msg); err != nil {
		return nil, fmt.Errorf("%w: %s header: %v", ErrCannotParse, base.Method, err)
	}
	msg.Envelope().Payload = payload
	return msg, nil
}

// parseStatusLine checks the protocol tag and returns the declared header size.
func parseStatusLine(line []byte) (int, error) {
	prefix := []byte(protocolName + " V")
	if !bytes.HasPrefix(line, prefix) {
		return 0, fmt.Errorf("%w: bad protocol tag", ErrCannotParse)
	}
	ver, sizeField, ok := bytes.Cut(line[len(prefix):], []byte(" "))
	if !ok {
		return 0, fmt.Errorf("%w: bad status line %q", ErrCannotParse, line)
	}
	v, err := version.Parse(string(ver))
	if err != nil || !v.Compatible(version.Current()) {
		return 0, fmt.Errorf("%w: unsupported protocol version %q", ErrCannotParse, ver)
	}
	size, err := strconv.Atoi(string(sizeField))
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: bad header size %q", ErrCannotParse, sizeField)
	}
	return size, nil
}

// PeekMethod returns the method and id of a frame without decoding the
// variant. Used for protocol capture of frames that fail full decoding.
func PeekMethod(data []byte) (Method, string, bool) {
	parts := bytes.SplitN(data, crlf, 3)
	if len(parts) < 2 {
		return "", "", false
	}
	var base Header
	if err := json.Unmarshal(parts[1], &base); err != nil {
		return "", "", false
	}
	return base.Method, base.ID, true
}
