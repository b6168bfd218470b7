// Package version identifies the SDK and the frame protocol version it
// speaks.
package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Protocol is the frame protocol version written in every status line.
const Protocol = "3.0"

// SDK metadata sent in init.
const (
	SDKName    = "rtsync-go"
	SDKVersion = "0.4.0"
)

// ProtocolVersion represents a parsed "major.minor" protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (ProtocolVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || parts[0] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}

	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || parts[1] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return ProtocolVersion{Major: uint16(major), Minor: uint16(minor)}, nil
}

// Current returns the parsed Protocol version.
func Current() ProtocolVersion {
	v, err := Parse(Protocol)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as "major.minor".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible returns true if the other version has the same major version.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// Metadata returns the client description sent in init.
func Metadata() map[string]string {
	return map[string]string{
		"sdk":      SDKName,
		"sdk_ver":  SDKVersion,
		"protocol": Protocol,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"runtime":  runtime.Version(),
	}
}
