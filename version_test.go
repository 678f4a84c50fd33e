package sendberry

import (
	"testing"

	"github.com/blockberries/sendberry/pkg/packet"
)

func TestProtocolVersion_String(t *testing.T) {
	tests := []struct {
		v    ProtocolVersion
		want string
	}{
		{ProtocolVersion{1, 0, 0}, "1.0.0"},
		{ProtocolVersion{1, 2, 3}, "1.2.3"},
		{ProtocolVersion{255, 255, 255}, "255.255.255"},
	}

	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("ProtocolVersion%v.String() = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestProtocolVersion_Compatible(t *testing.T) {
	tests := []struct {
		name   string
		v      ProtocolVersion
		other  ProtocolVersion
		compat bool
	}{
		{"identical", ProtocolVersion{1, 2, 3}, ProtocolVersion{1, 2, 3}, true},
		{"older minor", ProtocolVersion{1, 2, 0}, ProtocolVersion{1, 0, 0}, true},
		{"different patch", ProtocolVersion{1, 2, 0}, ProtocolVersion{1, 2, 9}, true},
		{"newer minor", ProtocolVersion{1, 2, 0}, ProtocolVersion{1, 3, 0}, false},
		{"different major", ProtocolVersion{1, 0, 0}, ProtocolVersion{2, 0, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Compatible(tt.other); got != tt.compat {
				t.Errorf("%v.Compatible(%v) = %v, want %v", tt.v, tt.other, got, tt.compat)
			}
		})
	}
}

func TestProtocolVersion_IsNewer(t *testing.T) {
	if !(ProtocolVersion{2, 0, 0}).IsNewer(ProtocolVersion{1, 9, 9}) {
		t.Error("2.0.0 should be newer than 1.9.9")
	}
	if !(ProtocolVersion{1, 1, 0}).IsNewer(ProtocolVersion{1, 0, 9}) {
		t.Error("1.1.0 should be newer than 1.0.9")
	}
	if (ProtocolVersion{1, 0, 0}).IsNewer(ProtocolVersion{1, 0, 0}) {
		t.Error("equal versions are not newer")
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.4.2")
	if err != nil {
		t.Fatalf("ParseVersion failed: %v", err)
	}
	if !v.Equal(ProtocolVersion{1, 4, 2}) {
		t.Errorf("ParseVersion = %v, want 1.4.2", v)
	}

	for _, bad := range []string{"", "1", "a.b.c", "1.x.3"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Errorf("ParseVersion(%q) should fail", bad)
		}
	}
}

func TestProtocolVersion_Wire(t *testing.T) {
	v := CurrentVersion()
	w := v.wire()
	if w != (packet.Version{Major: ProtocolVersionMajor, Minor: ProtocolVersionMinor, Patch: ProtocolVersionPatch}) {
		t.Errorf("wire() = %v", w)
	}
	if versionFromWire(w) != v {
		t.Errorf("versionFromWire(%v) = %v, want %v", w, versionFromWire(w), v)
	}
}
