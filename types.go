package sendberry

import (
	"github.com/blockberries/sendberry/pkg/connection"
	"github.com/blockberries/sendberry/pkg/transfer"
)

// Types re-exported from the connection and transfer packages for the
// public API.
type (
	// Connection is a managed connection to one or more remote peers.
	Connection = connection.Connection

	// ConnectionError is passed to Connection.OnError.
	ConnectionError = connection.Error

	// ConnectionState is the transport state of a Connection.
	ConnectionState = connection.ConnectionState

	// ConnectionStats is a snapshot of connection counters.
	ConnectionStats = connection.Stats

	// Transfer is the common view of incoming and outgoing transfers.
	Transfer = transfer.Transfer

	// TransferState is the lifecycle state of a transfer.
	TransferState = transfer.State

	// InTransfer is a transfer received from a remote peer.
	InTransfer = transfer.InTransfer

	// OutTransfer is a transfer sent to the destinations of a connection.
	OutTransfer = transfer.OutTransfer

	// DataProvider produces the bytes of an outgoing transfer on demand.
	DataProvider = transfer.DataProvider
)
