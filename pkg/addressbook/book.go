package addressbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
)

// flushInterval is how often batched LastSeen updates are written.
const flushInterval = 5 * time.Second

// ErrPeerNotFound is returned for unknown peer ids.
var ErrPeerNotFound = errors.New("addressbook: peer not found")

// ErrBlacklisted is returned when updating a blacklisted peer.
var ErrBlacklisted = errors.New("addressbook: peer is blacklisted")

// Option configures a Book.
type Option func(*Book)

// WithClock sets the clock driving the background flush.
func WithClock(c clock.Clock) Option {
	return func(b *Book) { b.clock = c }
}

// Book manages the peer address book with persistence and thread-safe
// operations. Adds, removals and blacklisting are saved immediately;
// LastSeen updates are batched and flushed periodically.
type Book struct {
	storage *storage
	clock   clock.Clock

	mu    sync.RWMutex
	peers map[uuid.UUID]*PeerEntry
	dirty bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New opens the address book stored at path, creating an empty one if the
// file does not exist. Close must be called to persist batched changes.
func New(path string, opts ...Option) (*Book, error) {
	s := newStorage(path)
	data, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load address book: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Book{
		storage: s,
		clock:   clock.New(),
		peers:   data.Peers,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.flushLoop(ctx, b.clock.Ticker(flushInterval))
	return b, nil
}

// AddPeer adds a peer or updates its name and addresses. Metadata replaces
// the existing metadata when non-nil.
func (b *Book) AddPeer(id uuid.UUID, name string, addrs []multiaddr.Multiaddr, metadata map[string]string) error {
	if id == uuid.Nil {
		return fmt.Errorf("addressbook: nil peer id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	addrsCopy := append([]multiaddr.Multiaddr(nil), addrs...)

	var metadataCopy map[string]string
	if metadata != nil {
		metadataCopy = make(map[string]string, len(metadata))
		for k, v := range metadata {
			metadataCopy[k] = v
		}
	}

	if existing, ok := b.peers[id]; ok {
		if existing.Blacklisted {
			return fmt.Errorf("%w: %s", ErrBlacklisted, id)
		}
		existing.Name = name
		existing.Multiaddrs = addrsCopy
		if metadataCopy != nil {
			existing.Metadata = metadataCopy
		}
		existing.UpdatedAt = now
	} else {
		b.peers[id] = &PeerEntry{
			ID:         id,
			Name:       name,
			Multiaddrs: addrsCopy,
			Metadata:   metadataCopy,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return b.saveLocked()
}

// RemovePeer removes a peer from the address book.
func (b *Book) RemovePeer(id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.peers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	delete(b.peers, id)
	return b.saveLocked()
}

// GetPeer returns a copy of the entry for id.
func (b *Book) GetPeer(id uuid.UUID) (*PeerEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return entry.Clone(), nil
}

// Addrs returns the addresses of a reachable peer. Blacklisted and
// unknown peers have none.
func (b *Book) Addrs(id uuid.UUID) []multiaddr.Multiaddr {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.peers[id]
	if !ok || entry.Blacklisted {
		return nil
	}
	return append([]multiaddr.Multiaddr(nil), entry.Multiaddrs...)
}

// ListPeers returns copies of all non-blacklisted peers.
func (b *Book) ListPeers() []*PeerEntry {
	return b.list(false)
}

// ListAllPeers returns copies of all peers including blacklisted ones.
func (b *Book) ListAllPeers() []*PeerEntry {
	return b.list(true)
}

func (b *Book) list(all bool) []*PeerEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*PeerEntry, 0, len(b.peers))
	for _, entry := range b.peers {
		if all || !entry.Blacklisted {
			result = append(result, entry.Clone())
		}
	}
	return result
}

// BlacklistPeer marks a peer as blacklisted.
func (b *Book) BlacklistPeer(id uuid.UUID) error {
	return b.setBlacklisted(id, true)
}

// UnblacklistPeer removes the blacklist flag from a peer.
func (b *Book) UnblacklistPeer(id uuid.UUID) error {
	return b.setBlacklisted(id, false)
}

func (b *Book) setBlacklisted(id uuid.UUID, v bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	entry.Blacklisted = v
	entry.UpdatedAt = b.clock.Now()
	return b.saveLocked()
}

// IsBlacklisted reports whether id is blacklisted. Unknown peers are not.
func (b *Book) IsBlacklisted(id uuid.UUID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.peers[id]
	return ok && entry.Blacklisted
}

// UpdateLastSeen records that the peer was reachable. The change is
// persisted by the next periodic flush.
func (b *Book) UpdateLastSeen(id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	now := b.clock.Now()
	entry.LastSeen = now
	entry.UpdatedAt = now
	b.dirty = true
	return nil
}

// UpdateMetadata merges metadata into the peer's metadata. Empty values
// delete their key.
func (b *Book) UpdateMetadata(id uuid.UUID, metadata map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	if entry.Metadata == nil {
		entry.Metadata = make(map[string]string)
	}
	for k, v := range metadata {
		if v == "" {
			delete(entry.Metadata, k)
		} else {
			entry.Metadata[k] = v
		}
	}
	entry.UpdatedAt = b.clock.Now()
	return b.saveLocked()
}

// HasPeer reports whether id is in the address book.
func (b *Book) HasPeer(id uuid.UUID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peers[id]
	return ok
}

// Count returns the number of peers including blacklisted ones.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// CountActive returns the number of non-blacklisted peers.
func (b *Book) CountActive() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, entry := range b.peers {
		if !entry.Blacklisted {
			count++
		}
	}
	return count
}

// Clear removes all peers.
func (b *Book) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.peers = make(map[uuid.UUID]*PeerEntry)
	return b.saveLocked()
}

// saveLocked must be called with the write lock held.
func (b *Book) saveLocked() error {
	if err := b.storage.save(&bookData{Version: currentVersion, Peers: b.peers}); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// Reload reloads the address book from disk, discarding in-memory changes.
func (b *Book) Reload() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := b.storage.load()
	if err != nil {
		return fmt.Errorf("failed to reload address book: %w", err)
	}
	b.peers = data.Peers
	b.dirty = false
	return nil
}

func (b *Book) flushLoop(ctx context.Context, ticker *clock.Ticker) {
	defer close(b.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick.
			_ = b.Flush()
		}
	}
}

// Flush saves batched changes now.
func (b *Book) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dirty {
		return nil
	}
	return b.saveLocked()
}

// Close stops the background flush and saves pending changes. The Book
// must not be used afterwards.
func (b *Book) Close() error {
	b.cancel()
	<-b.done
	return b.Flush()
}
