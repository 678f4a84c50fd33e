package fuzz

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/addressbook"
)

// FuzzAddressBookFile opens address books with arbitrary file contents.
// Corrupted files must be moved aside, never panic or fail the open.
func FuzzAddressBookFile(f *testing.F) {
	id := uuid.MustParse("6f1c8b2e-3a4d-4e5f-8a9b-0c1d2e3f4a5b")

	f.Add([]byte(`{
		"version": 1,
		"peers": {
			"` + id.String() + `": {
				"name": "alice",
				"multiaddrs": ["/ip4/127.0.0.1/tcp/7700"],
				"metadata": {"region": "eu"},
				"blacklisted": false,
				"created_at": "2024-01-01T00:00:00Z",
				"updated_at": "2024-01-01T00:00:00Z"
			}
		}
	}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"version": 1, "peers": {}}`))
	f.Add([]byte(`{"version": 1, "peers": null}`))
	f.Add([]byte(`{"version": 1, "peers": {"not-a-uuid": {}}}`))
	f.Add([]byte(`{"version": 1, "peers": {"` + id.String() + `": null}}`))
	f.Add([]byte(`{"version": "abc", "peers": {}}`))
	f.Add([]byte(`{invalid json`))
	f.Add([]byte(`[]`))
	f.Add([]byte(``))

	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(t.TempDir(), "peers.json")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}

		book, err := addressbook.New(path)
		if err != nil {
			// Only future versions are rejected.
			return
		}
		defer book.Close()

		for _, p := range book.ListAllPeers() {
			if p == nil {
				t.Fatal("nil entry in address book")
			}
			_ = book.Addrs(p.ID)
		}
	})
}

// FuzzPeerEntryJSON decodes single peer entries. Bad multiaddrs are
// skipped, so every decoded address must re-encode.
func FuzzPeerEntryJSON(f *testing.F) {
	f.Add([]byte(`{"name": "bob", "multiaddrs": ["/ip4/10.0.0.1/tcp/1", "garbage"]}`))
	f.Add([]byte(`{"multiaddrs": null}`))
	f.Add([]byte(`{"multiaddrs": [""]}`))
	f.Add([]byte(`{"metadata": {"": ""}}`))
	f.Add([]byte(`{"created_at": "not a time"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var entry addressbook.PeerEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return
		}
		for _, ma := range entry.Multiaddrs {
			if ma == nil {
				t.Fatal("nil multiaddr decoded")
			}
			_ = ma.String()
		}
		if _, err := json.Marshal(&entry); err != nil {
			t.Fatalf("re-marshal failed: %v", err)
		}
	})
}
