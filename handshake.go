package sendberry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/blockberries/sendberry/pkg/connection"
	"github.com/blockberries/sendberry/pkg/module"
	"github.com/blockberries/sendberry/pkg/packet"
)

// handshakeFrameLimit rejects anything larger than a handshake before its
// body is read.
var handshakeFrameLimit = packet.Size(packet.Handshake{})

// establisher opens routes for outgoing managed connections and announces
// the connection on them.
type establisher struct {
	p *LocalPeer
}

// EstablishUnderlyingConnection implements connection.Establisher.
func (e establisher) EstablishUnderlyingConnection(ctx context.Context, connectionID uuid.UUID, destinations []uuid.UUID) (module.UnderlyingConnection, error) {
	p := e.p
	ctx, span := p.tracer.StartHandshake(ctx, DirectionOutbound)

	transport, err := p.router.EstablishMulticastConnection(ctx, destinations)
	if err != nil {
		span.End(ResultFailure, err)
		return nil, fmt.Errorf("establish route: %w", err)
	}

	hs := packet.Handshake{ConnectionID: connectionID, Version: CurrentVersion().wire()}
	if err := writeHandshake(ctx, transport, hs); err != nil {
		_ = transport.Close()
		result := ResultFailure
		if ctx.Err() != nil {
			result = ResultTimeout
		}
		p.metrics.HandshakeResult(result)
		span.End(result, err)
		return nil, fmt.Errorf("%w: %w", connection.ErrHandshake, err)
	}

	p.metrics.HandshakeResult(ResultSuccess)
	span.End(ResultSuccess, nil)
	return transport, nil
}

// writeHandshake writes hs, closing transport if ctx ends first.
func writeHandshake(ctx context.Context, transport module.UnderlyingConnection, hs packet.Handshake) error {
	stop := context.AfterFunc(ctx, func() { _ = transport.Close() })
	err := packet.WritePacket(transport, hs)
	if !stop() {
		return ctx.Err()
	}
	return err
}

// readHandshake reads the first frame of an incoming transport. It never
// reads past that frame.
func readHandshake(transport module.UnderlyingConnection) (packet.Handshake, error) {
	p, err := packet.ReadPacket(transport, handshakeFrameLimit)
	if err != nil {
		return packet.Handshake{}, err
	}
	hs, ok := p.(packet.Handshake)
	if !ok {
		return packet.Handshake{}, fmt.Errorf("%w: %s", ErrUnexpectedPacket, p.Type())
	}
	return hs, nil
}

func (p *LocalPeer) handleIncoming(source uuid.UUID, transport module.UnderlyingConnection) {
	p.pendingMu.Lock()
	if p.pending == nil {
		p.pendingMu.Unlock()
		_ = transport.Close()
		return
	}
	p.pending[transport] = struct{}{}
	p.pendingMu.Unlock()

	go p.awaitHandshake(source, transport)
}

func (p *LocalPeer) awaitHandshake(source uuid.UUID, transport module.UnderlyingConnection) {
	_, span := p.tracer.StartHandshake(p.ctx, DirectionInbound)

	var expired atomic.Bool
	timer := p.clock.AfterFunc(p.config.HandshakeTimeout, func() {
		expired.Store(true)
		_ = transport.Close()
	})
	hs, err := readHandshake(transport)
	timer.Stop()

	if expired.Load() {
		err = ErrHandshakeTimeout
	}
	if err == nil {
		if remote := versionFromWire(hs.Version); !CurrentVersion().Compatible(remote) {
			err = fmt.Errorf("%w: remote %s, local %s", ErrVersionMismatch, remote, CurrentVersion())
		}
	}
	if err != nil {
		p.untrack(transport)
		_ = transport.Close()
		span.End(p.rejectIncoming(source, err), err)
		return
	}

	p.metrics.HandshakeResult(ResultSuccess)
	span.End(ResultSuccess, nil)
	p.exec.Post(func() {
		p.untrack(transport)
		p.acceptHandshake(source, transport, hs)
	})
}

// rejectIncoming reports a failed incoming handshake and returns the
// result label it was recorded under.
func (p *LocalPeer) rejectIncoming(source uuid.UUID, err error) string {
	result, code := ResultFailure, ErrCodeHandshakeFailed
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		result, code = ResultTimeout, ErrCodeHandshakeTimeout
	case errors.Is(err, ErrVersionMismatch):
		code = ErrCodeVersionMismatch
	}
	p.metrics.HandshakeResult(result)
	p.logger.Warn("rejected incoming connection", "source", source, "error", err)
	p.emit(EventHandshakeFailed, source, uuid.Nil,
		NewPeerError(code, "incoming handshake rejected", source, err))
	return result
}

// acceptHandshake attaches a handshaken transport to its managed
// connection, creating the connection on first contact.
func (p *LocalPeer) acceptHandshake(source uuid.UUID, transport module.UnderlyingConnection, hs packet.Handshake) {
	if !p.running.Load() {
		_ = transport.Close()
		return
	}

	id := hs.ConnectionID
	if _, ok := p.outgoing[id]; ok {
		_ = transport.Close()
		p.rejectIncoming(source, fmt.Errorf("%w: %s", ErrUnknownConnection, id))
		return
	}

	if c, ok := p.incoming[id]; ok {
		p.logger.Debug("replacing transport", "connection_id", id, "source", source)
		err := c.AcceptTransport(transport)
		switch {
		case err == nil:
		case connection.IsClosedError(err):
			p.logger.Debug("dropping transport for closing connection", "connection_id", id)
		default:
			p.logger.Warn("failed to attach transport", "connection_id", id, "error", err)
		}
		return
	}

	c, err := p.newConnection(id, []uuid.UUID{source}, false)
	if err != nil {
		_ = transport.Close()
		p.logger.Error("failed to create connection", "connection_id", id, "error", err)
		return
	}
	p.register(c)
	if err := c.AcceptTransport(transport); err != nil {
		p.logger.Warn("failed to attach transport", "connection_id", id, "error", err)
		return
	}

	p.logger.Info("accepted connection", "connection_id", id, "source", source)
	if p.onConnection == nil {
		p.logger.Warn("no OnConnection handler set", "connection_id", id)
		return
	}
	p.onConnection(p.peerFor(source), c)
}

func (p *LocalPeer) untrack(transport module.UnderlyingConnection) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	delete(p.pending, transport)
}

// closePending closes transports still waiting for a handshake and
// refuses new ones.
func (p *LocalPeer) closePending() {
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = nil
	p.pendingMu.Unlock()

	for transport := range pending {
		_ = transport.Close()
	}
}
