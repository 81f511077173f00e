// Package peer defines the connection-manager surface the transfer core
// depends on. It is treated mostly as an interface: download and upload
// orchestrators are written entirely against ConnectionManager, MessageConn,
// and TransferConn, never against a concrete transport. Two implementations
// live in sibling packages: peer/real (TCP) and peer/simulated (in-memory),
// selected by peer/factory.
package peer

import (
	"context"
	"io"
	"net"

	"github.com/slsk-go/slsk/protocol"
)

// MessageConn is a cached, peer-to-peer channel carrying framed control
// messages.
type MessageConn interface {
	// SendMessage writes one framed message.
	SendMessage(code protocol.MessageCode, payload []byte) error
	// ReceiveMessage blocks for the next framed message, or returns ctx's
	// error if it is cancelled first.
	ReceiveMessage(ctx context.Context) (protocol.MessageCode, []byte, error)
	// RemoteUsername is the peer this connection was established with.
	RemoteUsername() string
	Close() error
}

// TransferConn is an ephemeral peer-to-peer channel carrying raw file bytes
// plus the 8-byte offset prologue.
type TransferConn interface {
	io.Reader
	io.Writer
	RemoteUsername() string
	Close() error
}

// ConnectionManager obtains or creates connections to a named peer at a
// resolved endpoint, and multiplexes inbound solicited/unsolicited
// transfer connections.
type ConnectionManager interface {
	// GetOrCreateMessageConnection returns the cached message connection to
	// username, dialing addr if none exists yet.
	GetOrCreateMessageConnection(ctx context.Context, username string, addr net.Addr) (MessageConn, error)

	// AwaitInboundTransferConnection blocks until the peer opens a transfer
	// connection correlated with (username, filename, token), or ctx is
	// cancelled/times out.
	AwaitInboundTransferConnection(ctx context.Context, username, filename string, token uint32) (TransferConn, error)

	// DialTransferConnection opens an outbound transfer connection to addr,
	// used for the fallback path when the peer's NAT forbids it from
	// initiating.
	DialTransferConnection(ctx context.Context, username string, addr net.Addr, token uint32) (TransferConn, error)
}
