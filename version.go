package sendberry

import (
	"fmt"

	"github.com/blockberries/sendberry/pkg/packet"
)

// Protocol version constants. The version travels in every connection
// handshake.
const (
	// ProtocolVersionMajor is the major protocol version.
	// Breaking changes increment this.
	ProtocolVersionMajor = 1

	// ProtocolVersionMinor is the minor protocol version.
	// New features increment this.
	ProtocolVersionMinor = 0

	// ProtocolVersionPatch is the patch protocol version.
	// Bug fixes increment this.
	ProtocolVersionPatch = 0
)

// ProtocolVersion represents the sendberry wire protocol version.
type ProtocolVersion struct {
	// Major version - breaking changes require matching major versions.
	Major uint8

	// Minor version - new features; backwards compatible within same major.
	Minor uint8

	// Patch version - bug fixes; always compatible within same major.minor.
	Patch uint8
}

// CurrentVersion returns the protocol version spoken by this build.
func CurrentVersion() ProtocolVersion {
	return ProtocolVersion{
		Major: ProtocolVersionMajor,
		Minor: ProtocolVersionMinor,
		Patch: ProtocolVersionPatch,
	}
}

// String returns the version as a semantic version string (e.g., "1.0.0").
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible returns true if a peer speaking other can talk to us.
// Compatibility rules:
//   - Major versions must match (breaking changes)
//   - Minor version of peer must be <= our minor version
//     (peer can't use features we don't have)
//   - Patch versions are always compatible within same major.minor
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	if v.Major != other.Major {
		return false
	}
	return other.Minor <= v.Minor
}

// IsNewer returns true if this version is newer than the other.
func (v ProtocolVersion) IsNewer(other ProtocolVersion) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch > other.Patch
}

// Equal returns true if the versions are exactly equal.
func (v ProtocolVersion) Equal(other ProtocolVersion) bool {
	return v == other
}

// ParseVersion parses a version string in the format "major.minor.patch".
func ParseVersion(s string) (ProtocolVersion, error) {
	var v ProtocolVersion
	n, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	if err != nil {
		return v, fmt.Errorf("invalid version format %q: %w", s, err)
	}
	if n != 3 {
		return v, fmt.Errorf("invalid version format %q: expected major.minor.patch", s)
	}
	return v, nil
}

func (v ProtocolVersion) wire() packet.Version {
	return packet.Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
}

func versionFromWire(v packet.Version) ProtocolVersion {
	return ProtocolVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
}
