// Package packet defines the sendberry wire format: the packet types
// exchanged on an underlying connection and their length-prefixed framing.
package packet

import (
	"fmt"

	"github.com/google/uuid"
)

// Type identifies a packet on the wire.
type Type uint8

const (
	// TypeHandshake is the first frame on every newly established raw
	// transport of a managed connection.
	TypeHandshake Type = 0x01

	// TypeClose announces a graceful shutdown of the managed connection.
	TypeClose Type = 0x02

	TypeTransferStart         Type = 0x10
	TypeTransferData          Type = 0x11
	TypeTransferCancelRequest Type = 0x12
	TypeTransferCancelled     Type = 0x13
	TypeTransferAck           Type = 0x14
	TypeTransferResume        Type = 0x15
	TypeTransferReannounce    Type = 0x16
)

// String returns the wire name of the packet type.
func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeClose:
		return "CLOSE"
	case TypeTransferStart:
		return "TRANSFER_START"
	case TypeTransferData:
		return "TRANSFER_DATA"
	case TypeTransferCancelRequest:
		return "TRANSFER_CANCEL_REQUEST"
	case TypeTransferCancelled:
		return "TRANSFER_CANCELLED"
	case TypeTransferAck:
		return "TRANSFER_ACK"
	case TypeTransferResume:
		return "TRANSFER_RESUME"
	case TypeTransferReannounce:
		return "TRANSFER_REANNOUNCE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

const (
	typeSize   = 1
	idSize     = 16
	offsetSize = 8

	// DataHeaderOverhead is the number of body bytes a TransferData packet
	// spends before its payload: type, transfer id and offset.
	DataHeaderOverhead = typeSize + idSize + offsetSize
)

// Packet is a decoded wire packet.
type Packet interface {
	// Type returns the wire type.
	Type() Type

	// bodyLen is the encoded size excluding the type byte.
	bodyLen() int

	// appendBody appends the encoding excluding the type byte.
	appendBody(b []byte) []byte
}

// Version is the protocol version carried in the handshake.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// String returns the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Handshake identifies the managed connection a raw transport belongs to.
type Handshake struct {
	ConnectionID uuid.UUID
	Version      Version
}

func (Handshake) Type() Type { return TypeHandshake }
func (Handshake) bodyLen() int { return idSize + 3 }
func (h Handshake) appendBody(b []byte) []byte {
	b = append(b, h.ConnectionID[:]...)
	return append(b, h.Version.Major, h.Version.Minor, h.Version.Patch)
}

// Close announces a graceful shutdown.
type Close struct{}

func (Close) Type() Type { return TypeClose }
func (Close) bodyLen() int { return 0 }
func (Close) appendBody(b []byte) []byte { return b }

// TransferStart announces a new transfer and its total length.
type TransferStart struct {
	TransferID uuid.UUID
	Length     uint64
}

func (TransferStart) Type() Type { return TypeTransferStart }
func (TransferStart) bodyLen() int { return idSize + offsetSize }
func (p TransferStart) appendBody(b []byte) []byte {
	b = append(b, p.TransferID[:]...)
	return appendUint64(b, p.Length)
}

// TransferData carries the bytes [Offset, Offset+len(Payload)) of a transfer.
type TransferData struct {
	TransferID uuid.UUID
	Offset     uint64
	Payload    []byte
}

func (TransferData) Type() Type { return TypeTransferData }
func (p TransferData) bodyLen() int { return idSize + offsetSize + len(p.Payload) }
func (p TransferData) appendBody(b []byte) []byte {
	b = append(b, p.TransferID[:]...)
	b = appendUint64(b, p.Offset)
	return append(b, p.Payload...)
}

// TransferCancelRequest asks the sender to cancel a transfer.
type TransferCancelRequest struct {
	TransferID uuid.UUID
}

func (TransferCancelRequest) Type() Type { return TypeTransferCancelRequest }
func (TransferCancelRequest) bodyLen() int { return idSize }
func (p TransferCancelRequest) appendBody(b []byte) []byte {
	return append(b, p.TransferID[:]...)
}

// TransferCancelled tells receivers that the sender cancelled a transfer.
type TransferCancelled struct {
	TransferID uuid.UUID
}

func (TransferCancelled) Type() Type { return TypeTransferCancelled }
func (TransferCancelled) bodyLen() int { return idSize }
func (p TransferCancelled) appendBody(b []byte) []byte {
	return append(b, p.TransferID[:]...)
}

// TransferAck confirms that a receiver holds Received bytes of a transfer.
// It is sent once the receiver completed the transfer.
type TransferAck struct {
	TransferID uuid.UUID
	Received   uint64
}

func (TransferAck) Type() Type { return TypeTransferAck }
func (TransferAck) bodyLen() int { return idSize + offsetSize }
func (p TransferAck) appendBody(b []byte) []byte {
	b = append(b, p.TransferID[:]...)
	return appendUint64(b, p.Received)
}

// TransferResume tells the sender where to continue an interrupted
// transfer after the underlying connection was replaced.
type TransferResume struct {
	TransferID uuid.UUID
	Received   uint64
}

func (TransferResume) Type() Type { return TypeTransferResume }
func (TransferResume) bodyLen() int { return idSize + offsetSize }
func (p TransferResume) appendBody(b []byte) []byte {
	b = append(b, p.TransferID[:]...)
	return appendUint64(b, p.Received)
}

// TransferReannounce announces an unfinished transfer again on a new
// underlying connection. Every receiver answers with a TransferResume, or a
// TransferCancelRequest if it cancelled the transfer, including receivers
// that never saw the original TransferStart.
type TransferReannounce struct {
	TransferID uuid.UUID
	Length     uint64
}

func (TransferReannounce) Type() Type { return TypeTransferReannounce }
func (TransferReannounce) bodyLen() int { return idSize + offsetSize }
func (p TransferReannounce) appendBody(b []byte) []byte {
	b = append(b, p.TransferID[:]...)
	return appendUint64(b, p.Length)
}

// TransferIDOf returns the transfer id of transfer packets.
func TransferIDOf(p Packet) (uuid.UUID, bool) {
	switch v := p.(type) {
	case TransferStart:
		return v.TransferID, true
	case TransferData:
		return v.TransferID, true
	case TransferCancelRequest:
		return v.TransferID, true
	case TransferCancelled:
		return v.TransferID, true
	case TransferAck:
		return v.TransferID, true
	case TransferResume:
		return v.TransferID, true
	case TransferReannounce:
		return v.TransferID, true
	default:
		return uuid.Nil, false
	}
}
