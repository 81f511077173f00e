// Package download implements the download orchestrator: driving one
// download from request through completion across the
// server/peer-message/peer-transfer three-connection protocol. It admits
// the transfer under lock, performs the negotiate/stream/finalize I/O
// pipeline, and guarantees registry cleanup on every exit path.
package download

import (
	"context"
	"io"
	"time"

	"github.com/slsk-go/slsk/governor"
	"github.com/slsk-go/slsk/peer"
	"github.com/slsk-go/slsk/registry"
	"github.com/slsk-go/slsk/waiter"
	"github.com/slsk-go/slsk/xfer"
)

// Sink receives downloaded bytes. A factory producing one is called exactly
// once, inside the orchestrator, so a failure before Initializing never
// creates a zero-byte file.
type Sink interface {
	io.Writer
}

// PositionableSink additionally reports its current write position, used to
// capture the final byte offset at completion when determinable.
type PositionableSink interface {
	Sink
	Position() (int64, error)
}

// SinkCloser is implemented by sinks that must be flushed/closed on
// completion, gated by Options.DisposeOutputStreamOnCompletion.
type SinkCloser interface {
	Close() error
}

// SinkFactory produces the destination for one download's bytes.
type SinkFactory func() (Sink, error)

// Governor is the optional per-transfer bandwidth function consulted before
// the client-wide token bucket.
type Governor func(ctx context.Context, t *xfer.Transfer, requested uint64) (uint64, error)

// Reporter is invoked after every streamed chunk with the triple
// (attempted, granted, actual).
type Reporter func(attempted, granted, actual uint64)

// ServerConn is the minimal surface the orchestrator needs from the
// persistent server connection: endpoint resolution.
type ServerConn interface {
	RequestUserAddress(ctx context.Context, username string) error
}

// Options configures one transfer.
type Options struct {
	StateChanged                    func(xfer.StateChangedEvent)
	ProgressUpdated                 func(xfer.ProgressUpdatedEvent)
	Reporter                        Reporter
	Governor                        Governor
	DisposeOutputStreamOnCompletion bool
}

// Request is everything the orchestrator needs to start a download. Caller
// (the slsk.Client facade) is responsible for synchronous argument and
// client-state validation before calling Start.
type Request struct {
	Username    string
	Filename    string
	Size        *uint64
	StartOffset uint64
	Token       uint32 // 0 means "assign the next available token"
	Sink        SinkFactory
	Options     Options
}

// Deps bundles the orchestrator's collaborators: the process-wide registry
// and token allocator it admits into, the waiter it rendezvous through, the
// peer connection manager, the client-wide download token bucket, the
// server connection, and timing configuration.
type Deps struct {
	Registry *registry.Registry
	// OtherTokenExists is the upload registry's TokenExists, consulted
	// alongside Registry's own index so a caller-supplied token already
	// active on an upload can never collide with a download. Nil is safe to
	// leave unset.
	OtherTokenExists registry.ExistsFunc
	Tokens           *registry.TokenAllocator
	Waiter           *waiter.Waiter
	Peers            peer.ConnectionManager
	Bucket           *governor.TokenBucket
	Server           ServerConn
	MessageTimeout   time.Duration
}

// bufferSize bounds a single read/write chunk.
const bufferSize = 16384
