package sendberry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DebugState represents the complete state of a LocalPeer for debugging
// purposes.
type DebugState struct {
	// Identity
	PeerID  string `json:"peer_id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`
	Running bool   `json:"running"`

	// Configuration
	Config DebugConfig `json:"config"`

	Peers       []DebugPeer       `json:"peers"`
	Connections []DebugConnection `json:"connections"`

	// EventsDropped counts peer events the application did not consume.
	EventsDropped uint64 `json:"events_dropped"`

	// Timestamp when state was captured
	CapturedAt time.Time `json:"captured_at"`
}

// DebugConfig represents configuration summary for debugging.
type DebugConfig struct {
	HandshakeTimeout     string `json:"handshake_timeout"`
	ReconnectMaxDelay    string `json:"reconnect_max_delay"`
	ReconnectMaxAttempts int    `json:"reconnect_max_attempts"`
	AcceptorGracePeriod  string `json:"acceptor_grace_period"`
	MaxPacketLength      int    `json:"max_packet_length"`
	HighWatermark        int    `json:"high_watermark"`
	LowWatermark         int    `json:"low_watermark"`
}

// DebugPeer represents a reachable peer.
type DebugPeer struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Hops        int    `json:"hops"`
	Connections int    `json:"connections"`
}

// DebugConnection represents an open managed connection.
type DebugConnection struct {
	ID              string   `json:"id"`
	Destinations    []string `json:"destinations"`
	Establisher     bool     `json:"establisher"`
	State           string   `json:"state"`
	Connected       bool     `json:"connected"`
	ActiveTransfers int      `json:"active_transfers"`
	BytesSent       uint64   `json:"bytes_sent"`
	BytesReceived   uint64   `json:"bytes_received"`
	Reconnects      uint64   `json:"reconnects"`
}

// DumpState captures the current state of the peer for debugging.
func (p *LocalPeer) DumpState(ctx context.Context) (*DebugState, error) {
	state := &DebugState{
		PeerID:        p.config.PeerID.String(),
		Name:          p.config.Name,
		Version:       CurrentVersion().String(),
		Running:       p.running.Load(),
		Config:        p.dumpConfig(),
		EventsDropped: p.dispatcher.Dropped(),
		CapturedAt:    p.clock.Now(),
	}

	err := p.exec.Do(ctx, func() {
		for _, rp := range p.Peers() {
			state.Peers = append(state.Peers, DebugPeer{
				ID:          rp.id.String(),
				Name:        rp.name,
				Hops:        rp.hops,
				Connections: len(rp.connections),
			})
		}
		for _, c := range p.Connections() {
			state.Connections = append(state.Connections, dumpConnection(c))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("capture state: %w", err)
	}
	return state, nil
}

func dumpConnection(c *Connection) DebugConnection {
	stats := c.Stats()
	dc := DebugConnection{
		ID:              c.ID().String(),
		Establisher:     c.IsEstablisher(),
		State:           stats.State.String(),
		Connected:       c.IsConnected(),
		ActiveTransfers: stats.ActiveTransfers,
		BytesSent:       stats.BytesSent,
		BytesReceived:   stats.BytesReceived,
		Reconnects:      stats.Reconnects,
	}
	for _, id := range c.Destinations() {
		dc.Destinations = append(dc.Destinations, id.String())
	}
	return dc
}

func (p *LocalPeer) dumpConfig() DebugConfig {
	return DebugConfig{
		HandshakeTimeout:     p.config.HandshakeTimeout.String(),
		ReconnectMaxDelay:    p.config.ReconnectMaxDelay.String(),
		ReconnectMaxAttempts: p.config.ReconnectMaxAttempts,
		AcceptorGracePeriod:  p.config.AcceptorGracePeriod.String(),
		MaxPacketLength:      p.config.MaxPacketLength,
		HighWatermark:        p.config.SendHighWatermark,
		LowWatermark:         p.config.SendLowWatermark,
	}
}

// DumpStateJSON returns the peer state as formatted JSON.
func (p *LocalPeer) DumpStateJSON(ctx context.Context) (string, error) {
	state, err := p.DumpState(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(data), nil
}

// DumpStateString returns a human-readable representation of the peer
// state.
func (p *LocalPeer) DumpStateString(ctx context.Context) (string, error) {
	state, err := p.DumpState(ctx)
	if err != nil {
		return "", err
	}
	var sb strings.Builder

	sb.WriteString("=== Sendberry Peer Debug State ===\n\n")

	sb.WriteString("IDENTITY:\n")
	fmt.Fprintf(&sb, "  Peer ID: %s\n", state.PeerID)
	if state.Name != "" {
		fmt.Fprintf(&sb, "  Name:    %s\n", state.Name)
	}
	fmt.Fprintf(&sb, "  Version: %s\n", state.Version)
	fmt.Fprintf(&sb, "  Running: %t\n\n", state.Running)

	sb.WriteString("CONFIGURATION:\n")
	fmt.Fprintf(&sb, "  Handshake Timeout:  %s\n", state.Config.HandshakeTimeout)
	fmt.Fprintf(&sb, "  Max Reconnect:      %s (%d attempts)\n",
		state.Config.ReconnectMaxDelay, state.Config.ReconnectMaxAttempts)
	fmt.Fprintf(&sb, "  Acceptor Grace:     %s\n", state.Config.AcceptorGracePeriod)
	fmt.Fprintf(&sb, "  Max Packet Length:  %d bytes\n", state.Config.MaxPacketLength)
	fmt.Fprintf(&sb, "  Watermarks:         %d/%d\n\n", state.Config.HighWatermark, state.Config.LowWatermark)

	sb.WriteString("PEERS:\n")
	if len(state.Peers) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, rp := range state.Peers {
		fmt.Fprintf(&sb, "  - %s %q hops=%d connections=%d\n", rp.ID, rp.Name, rp.Hops, rp.Connections)
	}
	sb.WriteString("\n")

	sb.WriteString("CONNECTIONS:\n")
	if len(state.Connections) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, c := range state.Connections {
		dir := "in"
		if c.Establisher {
			dir = "out"
		}
		fmt.Fprintf(&sb, "  - %s [%s] %s transfers=%d sent=%d received=%d reconnects=%d\n",
			c.ID, dir, c.State, c.ActiveTransfers, c.BytesSent, c.BytesReceived, c.Reconnects)
	}
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "Events dropped: %d\n", state.EventsDropped)
	fmt.Fprintf(&sb, "Captured at: %s\n", state.CapturedAt.Format(time.RFC3339))
	sb.WriteString("==================================\n")

	return sb.String(), nil
}
