package version

import (
	"runtime"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		input string
		major uint16
		minor uint16
	}{
		{"1.0", 1, 0},
		{"3.0", 3, 0},
		{"3.1", 3, 1},
		{"10.23", 10, 23},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if v.Major != tt.major {
				t.Errorf("Major = %d, want %d", v.Major, tt.major)
			}
			if v.Minor != tt.minor {
				t.Errorf("Minor = %d, want %d", v.Minor, tt.minor)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"3",
		"abc",
		"3.0.0",
		"3.x",
		"-1.0",
		".1",
	}

	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			if err == nil {
				t.Errorf("Parse(%q) should return error", input)
			}
		})
	}
}

func TestProtocolVersion_String(t *testing.T) {
	v, err := Parse("10.23")
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "10.23" {
		t.Errorf("String() = %q, want %q", v.String(), "10.23")
	}
}

func TestCompatible(t *testing.T) {
	v30, _ := Parse("3.0")
	v31, _ := Parse("3.1")
	v40, _ := Parse("4.0")

	if !v30.Compatible(v31) || !v31.Compatible(v30) {
		t.Error("3.0 should be compatible with 3.1")
	}
	if v30.Compatible(v40) || v40.Compatible(v30) {
		t.Error("3.0 should NOT be compatible with 4.0")
	}
}

func TestCurrent(t *testing.T) {
	v := Current()
	if v.Major != 3 || v.Minor != 0 {
		t.Errorf("Current version = %s, want 3.0", v)
	}
}

func TestMetadata(t *testing.T) {
	md := Metadata()
	if md["sdk"] != SDKName {
		t.Errorf("sdk = %q, want %q", md["sdk"], SDKName)
	}
	if md["os"] != runtime.GOOS {
		t.Errorf("os = %q, want %q", md["os"], runtime.GOOS)
	}
	md["sdk"] = "changed"
	if Metadata()["sdk"] != SDKName {
		t.Error("Metadata should return a fresh map")
	}
}
