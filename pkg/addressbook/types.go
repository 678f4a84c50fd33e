// Package addressbook stores the peers a node knows how to reach. Entries
// are persisted to a JSON file and carry the multiaddrs a router dials.
package addressbook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
)

// PeerEntry represents a peer in the address book.
type PeerEntry struct {
	// ID is the peer identifier announced during discovery.
	ID uuid.UUID `json:"id"`

	// Name is a human readable label.
	Name string `json:"name,omitempty"`

	// Multiaddrs are the network addresses for this peer.
	Multiaddrs []multiaddr.Multiaddr `json:"-"`

	// Metadata holds application-defined key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// LastSeen is the time the peer was last reachable.
	LastSeen time.Time `json:"last_seen,omitempty"`

	Blacklisted bool      `json:"blacklisted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MarshalJSON encodes Multiaddrs in their string form.
func (p *PeerEntry) MarshalJSON() ([]byte, error) {
	raw := make([]string, len(p.Multiaddrs))
	for i, ma := range p.Multiaddrs {
		raw[i] = ma.String()
	}

	type alias PeerEntry
	return json.Marshal(&struct {
		*alias
		Multiaddrs []string `json:"multiaddrs"`
	}{
		alias:      (*alias)(p),
		Multiaddrs: raw,
	})
}

// UnmarshalJSON decodes string multiaddrs. Unparsable addresses are
// skipped so that one bad entry does not make the whole book unreadable.
func (p *PeerEntry) UnmarshalJSON(data []byte) error {
	type alias PeerEntry
	aux := &struct {
		*alias
		Multiaddrs []string `json:"multiaddrs"`
	}{
		alias: (*alias)(p),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	p.Multiaddrs = make([]multiaddr.Multiaddr, 0, len(aux.Multiaddrs))
	for _, s := range aux.Multiaddrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		p.Multiaddrs = append(p.Multiaddrs, ma)
	}
	return nil
}

// Clone creates a deep copy of the PeerEntry.
func (p *PeerEntry) Clone() *PeerEntry {
	if p == nil {
		return nil
	}
	clone := *p
	if len(p.Multiaddrs) > 0 {
		clone.Multiaddrs = append([]multiaddr.Multiaddr(nil), p.Multiaddrs...)
	}
	if len(p.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// bookData is the on-disk layout.
type bookData struct {
	Version int                      `json:"version"`
	Peers   map[uuid.UUID]*PeerEntry `json:"peers"`
}

func emptyBook() *bookData {
	return &bookData{Version: currentVersion, Peers: make(map[uuid.UUID]*PeerEntry)}
}
