package sendberry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PeerStats aggregates the counters of every open connection that
// includes a peer. It is a snapshot and safe to read without
// synchronization.
type PeerStats struct {
	// PeerID is the peer identifier.
	PeerID uuid.UUID

	// Connections is the number of open connections including the peer.
	Connections int

	// Connected is the number of those connections that are usable.
	Connected int

	// ConnectedAt is the earliest connect time among usable connections.
	ConnectedAt time.Time

	BytesSent     uint64
	BytesReceived uint64

	TransfersStarted   uint64
	TransfersCompleted uint64
	TransfersCancelled uint64
	ActiveTransfers    int

	// Reconnects counts transports replaced after a loss.
	Reconnects uint64
}

// PeerStatistics returns the statistics for a peer. It returns nil if no
// open connection includes the peer.
func (p *LocalPeer) PeerStatistics(ctx context.Context, id uuid.UUID) (*PeerStats, error) {
	var stats *PeerStats
	err := p.exec.Do(ctx, func() {
		stats = p.collectStats()[id]
	})
	return stats, err
}

// AllPeerStatistics returns statistics for every peer with an open
// connection.
func (p *LocalPeer) AllPeerStatistics(ctx context.Context) (map[uuid.UUID]*PeerStats, error) {
	var stats map[uuid.UUID]*PeerStats
	err := p.exec.Do(ctx, func() {
		stats = p.collectStats()
	})
	return stats, err
}

// collectStats runs on the executor.
func (p *LocalPeer) collectStats() map[uuid.UUID]*PeerStats {
	all := make(map[uuid.UUID]*PeerStats)
	for _, c := range p.Connections() {
		cs := c.Stats()
		for _, id := range c.Destinations() {
			s := all[id]
			if s == nil {
				s = &PeerStats{PeerID: id}
				all[id] = s
			}
			s.add(c.IsConnected(), cs)
		}
	}
	return all
}

func (s *PeerStats) add(connected bool, cs ConnectionStats) {
	s.Connections++
	if connected {
		s.Connected++
		if s.ConnectedAt.IsZero() || cs.ConnectedAt.Before(s.ConnectedAt) {
			s.ConnectedAt = cs.ConnectedAt
		}
	}
	s.BytesSent += cs.BytesSent
	s.BytesReceived += cs.BytesReceived
	s.TransfersStarted += cs.TransfersStarted
	s.TransfersCompleted += cs.TransfersCompleted
	s.TransfersCancelled += cs.TransfersCancelled
	s.ActiveTransfers += cs.ActiveTransfers
	s.Reconnects += cs.Reconnects
}
