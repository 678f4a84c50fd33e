package transfer

import (
	"context"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blockberries/sendberry/internal/telemetry"
	"github.com/blockberries/sendberry/pkg/logging"
	"github.com/blockberries/sendberry/pkg/packet"
)

// DefaultFinishedCacheSize is the default number of finished transfer ids
// remembered to recognize late packets.
const DefaultFinishedCacheSize = 1024

// PacketSender is the packet connection as seen by the manager.
type PacketSender interface {
	// SendControl queues a control packet ahead of any data.
	SendControl(p packet.Packet)

	// NotifyDataAvailable tells the connection that NextPacket may return
	// a packet.
	NotifyDataAvailable()

	// MaxPacketLength returns the largest packet body the transport takes.
	MaxPacketLength() int

	// DestinationCount returns the number of peers receiving the data.
	DestinationCount() int
}

// Delegate is notified about incoming transfers.
type Delegate interface {
	// NotifyTransferStarted is called once per incoming transfer before any
	// of its data is delivered, so that a reception mode can be chosen.
	NotifyTransferStarted(t *InTransfer)
}

// Options configures a Manager.
type Options struct {
	Logger            logging.Logger
	Metrics           telemetry.Metrics
	Tracer            telemetry.Tracer
	FinishedCacheSize int
}

// Stats is a snapshot of manager counters.
type Stats struct {
	ActiveOutgoing int
	ActiveIncoming int
	Started        uint64
	Completed      uint64
	Cancelled      uint64
}

type tombstone struct {
	outcome  State
	incoming bool
	length   uint64
	// notified is set for outgoing transfers whose receivers were sent a
	// TransferCancelled.
	notified bool
}

// Manager multiplexes transfers over one packet connection. Outgoing
// transfers are scheduled round-robin, one chunk per transfer per turn.
type Manager struct {
	sender   PacketSender
	delegate Delegate

	logger  logging.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	outgoing map[uuid.UUID]*OutTransfer
	schedule []*OutTransfer
	next     int

	incoming map[uuid.UUID]*InTransfer
	finished *lru.Cache[uuid.UUID, tombstone]

	stats Stats
}

// NewManager creates a Manager that writes through sender.
func NewManager(sender PacketSender, delegate Delegate, opts Options) (*Manager, error) {
	size := opts.FinishedCacheSize
	if size <= 0 {
		size = DefaultFinishedCacheSize
	}
	finished, err := lru.New[uuid.UUID, tombstone](size)
	if err != nil {
		return nil, err
	}
	return &Manager{
		sender:   sender,
		delegate: delegate,
		logger:   logging.OrNop(opts.Logger),
		metrics:  telemetry.MetricsOrNop(opts.Metrics),
		tracer:   telemetry.TracerOrNop(opts.Tracer),
		outgoing: make(map[uuid.UUID]*OutTransfer),
		incoming: make(map[uuid.UUID]*InTransfer),
		finished: finished,
	}, nil
}

// StartTransfer creates an outgoing transfer and queues it. Data flows once
// the connection has a transport and send budget.
func (m *Manager) StartTransfer(length uint64, provider DataProvider) *OutTransfer {
	t := newOutTransfer(uuid.New(), length, provider)
	t.cancel = func() { m.cancelOutgoing(t, true) }

	m.outgoing[t.id] = t
	m.schedule = append(m.schedule, t)
	m.stats.Started++
	m.metrics.TransferStarted(telemetry.DirectionOutbound)
	_, t.span = m.tracer.StartTransfer(context.Background(), t.id, telemetry.DirectionOutbound, int64(length))

	m.logger.Debug("outgoing transfer queued", "transfer_id", t.id, "length", length)
	m.sender.NotifyDataAvailable()
	return t
}

// Outgoing returns the active outgoing transfer with the given id.
func (m *Manager) Outgoing(id uuid.UUID) (*OutTransfer, bool) {
	t, ok := m.outgoing[id]
	return t, ok
}

// Incoming returns the active incoming transfer with the given id.
func (m *Manager) Incoming(id uuid.UUID) (*InTransfer, bool) {
	t, ok := m.incoming[id]
	return t, ok
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	s := m.stats
	s.ActiveOutgoing = len(m.outgoing)
	s.ActiveIncoming = len(m.incoming)
	return s
}

// HasPending reports whether NextPacket would return a packet.
func (m *Manager) HasPending() bool {
	for _, t := range m.schedule {
		if t.sendable() {
			return true
		}
	}
	return false
}

// NextPacket returns the next outgoing packet, visiting transfers in
// round-robin order. It returns false when nothing is ready.
func (m *Manager) NextPacket() (packet.Packet, bool) {
	for range len(m.schedule) {
		if len(m.schedule) == 0 {
			return nil, false
		}
		if m.next >= len(m.schedule) {
			m.next = 0
		}
		t := m.schedule[m.next]
		m.next++

		if !t.sendable() {
			continue
		}
		if t.announce {
			return m.announce(t), true
		}

		p, err := t.nextPacket(m.sender.MaxPacketLength())
		if err != nil {
			m.logger.Error("cannot produce transfer data, cancelling",
				"transfer_id", t.id, "offset", t.cursor, "error", err)
			m.cancelOutgoing(t, true)
			continue
		}
		t.confirmProgress()
		if t.allSent() {
			m.maybeCompleteOutgoing(t)
		}
		return p, true
	}
	return nil, false
}

func (m *Manager) announce(t *OutTransfer) packet.Packet {
	t.announce = false
	if t.announced {
		return packet.TransferReannounce{TransferID: t.id, Length: t.length}
	}
	t.announced = true
	t.confirmStart()
	return packet.TransferStart{TransferID: t.id, Length: t.length}
}

// HandlePacket processes a transfer packet read from the connection.
func (m *Manager) HandlePacket(p packet.Packet) {
	switch v := p.(type) {
	case packet.TransferStart:
		m.handleStart(v.TransferID, v.Length, false)
	case packet.TransferReannounce:
		m.handleStart(v.TransferID, v.Length, true)
	case packet.TransferData:
		m.handleData(v)
	case packet.TransferCancelRequest:
		if t, ok := m.outgoing[v.TransferID]; ok {
			m.logger.Debug("remote requested cancellation", "transfer_id", v.TransferID)
			m.cancelOutgoing(t, true)
		}
	case packet.TransferCancelled:
		m.handleCancelled(v)
	case packet.TransferAck:
		m.handleAck(v)
	case packet.TransferResume:
		m.handleResume(v)
	default:
		m.logger.Warn("unexpected packet for transfer manager", "type", p.Type())
		m.metrics.PacketDropped("unexpected_type")
	}
}

// handleStart processes a TransferStart, or a TransferReannounce when
// reannounced is set. Every reannouncement gets exactly one reply.
func (m *Manager) handleStart(id uuid.UUID, length uint64, reannounced bool) {
	if t, ok := m.incoming[id]; ok {
		if t.cancelRequested {
			m.sender.SendControl(packet.TransferCancelRequest{TransferID: id})
			return
		}
		m.sender.SendControl(packet.TransferResume{TransferID: id, Received: t.progress})
		return
	}
	if ts, ok := m.finished.Get(id); ok && ts.incoming {
		if ts.outcome == StateCompleted {
			m.sender.SendControl(packet.TransferResume{TransferID: id, Received: ts.length})
		} else {
			m.sender.SendControl(packet.TransferCancelRequest{TransferID: id})
		}
		return
	}

	t := newInTransfer(id, length, m.logger)
	t.cancel = func() { m.cancelIncoming(t) }
	m.incoming[t.id] = t
	m.stats.Started++
	m.metrics.TransferStarted(telemetry.DirectionInbound)
	_, t.span = m.tracer.StartTransfer(context.Background(), t.id, telemetry.DirectionInbound, int64(length))
	m.logger.Debug("incoming transfer started", "transfer_id", t.id, "length", length, "reannounced", reannounced)

	if reannounced {
		// The original start was lost with the previous transport.
		m.sender.SendControl(packet.TransferResume{TransferID: id})
	}

	m.delegate.NotifyTransferStarted(t)
	t.confirmStart()

	if t.length == 0 && !t.state.IsTerminal() {
		if reannounced {
			// The resume reply already counts as the acknowledgement.
			m.finishIncoming(t, StateCompleted, nil)
			return
		}
		m.completeIncoming(t)
	}
}

func (m *Manager) handleData(p packet.TransferData) {
	t, ok := m.incoming[p.TransferID]
	if !ok {
		if m.finished.Contains(p.TransferID) {
			m.metrics.PacketDropped("late_data")
			return
		}
		m.logger.Warn("data for unknown transfer", "transfer_id", p.TransferID, "offset", p.Offset)
		m.metrics.PacketDropped("unknown_transfer")
		return
	}

	data := p.Payload
	switch {
	case p.Offset > t.progress:
		m.logger.Warn("dropping transfer data", "transfer_id", t.id,
			"offset", p.Offset, "progress", t.progress, "error", ErrDataGap)
		m.metrics.PacketDropped("gap")
		return
	case p.Offset < t.progress:
		overlap := t.progress - p.Offset
		if overlap >= uint64(len(data)) {
			return
		}
		data = data[overlap:]
	}
	if len(data) == 0 {
		return
	}

	if err := t.updateWithReceivedData(data); err != nil {
		m.logger.Warn("dropping transfer data", "transfer_id", t.id,
			"offset", p.Offset, "bytes", len(data), "error", err)
		m.metrics.PacketDropped("overflow")
		return
	}
	t.confirmProgress()

	if t.progress == t.length {
		m.completeIncoming(t)
	}
}

func (m *Manager) handleCancelled(p packet.TransferCancelled) {
	t, ok := m.incoming[p.TransferID]
	if !ok {
		return
	}
	m.logger.Debug("remote cancelled transfer", "transfer_id", t.id, "progress", t.progress)
	m.finishIncoming(t, StateCancelled, nil)
}

func (m *Manager) handleAck(p packet.TransferAck) {
	t, ok := m.outgoing[p.TransferID]
	if !ok {
		return
	}
	t.acks++
	m.maybeCompleteOutgoing(t)
}

func (m *Manager) handleResume(p packet.TransferResume) {
	t, ok := m.outgoing[p.TransferID]
	if !ok {
		if ts, ok := m.finished.Get(p.TransferID); ok && ts.outcome == StateCompleted {
			return
		}
		m.sender.SendControl(packet.TransferCancelled{TransferID: p.TransferID})
		return
	}
	received := p.Received
	if received > t.length {
		m.logger.Warn("resume beyond transfer length", "transfer_id", t.id,
			"received", received, "length", t.length)
		m.metrics.PacketDropped("overflow")
		return
	}

	if t.resumePending == 0 {
		// Unsolicited: rewind to what the receiver holds.
		if received < t.cursor {
			t.cursor = received
			m.sender.NotifyDataAvailable()
		}
		return
	}
	if t.resumeReply(received) {
		m.logger.Debug("outgoing transfer resumed", "transfer_id", t.id, "offset", t.cursor)
		t.markResumed()
		if t.allSent() {
			m.maybeCompleteOutgoing(t)
		}
		m.sender.NotifyDataAvailable()
	}
}

func (m *Manager) maybeCompleteOutgoing(t *OutTransfer) {
	if t.state.IsTerminal() || !t.allSent() || t.acks < m.sender.DestinationCount() {
		return
	}
	m.removeOutgoing(t)
	m.remember(t.id, StateCompleted, false, t.length)
	m.stats.Completed++
	m.metrics.TransferEnded(telemetry.DirectionOutbound, telemetry.OutcomeCompleted)
	endSpan(t.span, telemetry.OutcomeCompleted, nil)
	m.logger.Debug("outgoing transfer completed", "transfer_id", t.id)
	t.confirmCompletion()
}

func (m *Manager) completeIncoming(t *InTransfer) {
	m.sender.SendControl(packet.TransferAck{TransferID: t.id, Received: t.progress})
	m.finishIncoming(t, StateCompleted, nil)
}

func (m *Manager) finishIncoming(t *InTransfer, outcome State, err error) {
	delete(m.incoming, t.id)
	m.remember(t.id, outcome, true, t.length)
	if outcome == StateCompleted {
		m.stats.Completed++
		m.metrics.TransferEnded(telemetry.DirectionInbound, telemetry.OutcomeCompleted)
		endSpan(t.span, telemetry.OutcomeCompleted, nil)
		m.logger.Debug("incoming transfer completed", "transfer_id", t.id)
		t.confirmCompletion()
		return
	}
	m.stats.Cancelled++
	m.metrics.TransferEnded(telemetry.DirectionInbound, telemetry.OutcomeCancelled)
	endSpan(t.span, telemetry.OutcomeCancelled, err)
	t.confirmCancel()
}

// cancelOutgoing stops scheduling t. notify sends TransferCancelled if the
// receivers know about the transfer.
func (m *Manager) cancelOutgoing(t *OutTransfer, notify bool) {
	if t.state.IsTerminal() {
		return
	}
	m.removeOutgoing(t)
	notified := notify && t.announced
	if notified {
		m.sender.SendControl(packet.TransferCancelled{TransferID: t.id})
	}
	m.finished.Add(t.id, tombstone{outcome: StateCancelled, length: t.length, notified: notified})
	m.stats.Cancelled++
	m.metrics.TransferEnded(telemetry.DirectionOutbound, telemetry.OutcomeCancelled)
	endSpan(t.span, telemetry.OutcomeCancelled, nil)
	m.logger.Debug("outgoing transfer cancelled", "transfer_id", t.id, "progress", t.progress)
	t.confirmCancel()
}

// cancelIncoming asks the sender to cancel. The transfer keeps accepting
// data until the sender confirms or the last byte arrives.
func (m *Manager) cancelIncoming(t *InTransfer) {
	if t.state.IsTerminal() || t.cancelRequested {
		return
	}
	t.cancelRequested = true
	m.logger.Debug("requesting transfer cancellation", "transfer_id", t.id, "progress", t.progress)
	m.sender.SendControl(packet.TransferCancelRequest{TransferID: t.id})
}

// Cancel cancels t. See Transfer.Cancel.
func (m *Manager) Cancel(t Transfer) {
	switch v := t.(type) {
	case *OutTransfer:
		if m.outgoing[v.id] == v {
			m.cancelOutgoing(v, true)
		}
	case *InTransfer:
		if m.incoming[v.id] == v {
			m.cancelIncoming(v)
		}
	}
}

// Interrupt marks every started transfer interrupted after the transport
// was lost.
func (m *Manager) Interrupt() {
	for _, t := range m.schedule {
		t.markInterrupted()
	}
	for _, t := range m.incoming {
		t.markInterrupted()
	}
}

// Resume prepares transfers for a new transport: every announced outgoing
// transfer is announced again and waits for each destination to report
// how much it received. Cancellations of remembered outgoing transfers are
// repeated, since the previous transport may have lost them.
func (m *Manager) Resume() {
	for _, id := range m.finished.Keys() {
		if ts, ok := m.finished.Peek(id); ok && ts.notified {
			m.sender.SendControl(packet.TransferCancelled{TransferID: id})
		}
	}

	dests := m.sender.DestinationCount()
	for _, t := range m.schedule {
		t.beginResume(dests)
	}
	for _, t := range m.incoming {
		t.markResumed()
	}
	m.sender.NotifyDataAvailable()
}

// Close cancels every remaining transfer locally without notifying the
// remote side. The connection is gone for good.
func (m *Manager) Close(cause error) {
	for _, t := range append([]*OutTransfer(nil), m.schedule...) {
		m.cancelOutgoing(t, false)
	}
	for _, t := range m.incoming {
		m.finishIncoming(t, StateCancelled, cause)
	}
}

func (m *Manager) removeOutgoing(t *OutTransfer) {
	delete(m.outgoing, t.id)
	for i, s := range m.schedule {
		if s == t {
			m.schedule = append(m.schedule[:i], m.schedule[i+1:]...)
			if m.next > i {
				m.next--
			}
			break
		}
	}
}

func (m *Manager) remember(id uuid.UUID, outcome State, incoming bool, length uint64) {
	m.finished.Add(id, tombstone{outcome: outcome, incoming: incoming, length: length})
}

func endSpan(s telemetry.Span, outcome string, err error) {
	if s != nil {
		s.End(outcome, err)
	}
}
