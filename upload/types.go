// Package upload implements the upload orchestrator: the mirror image of
// the download orchestrator. Where the downloader issues the
// TransferRequest and waits on TransferResponse, the uploader is asked by
// the peer and answers with TransferResponse; where the downloader writes
// the offset prologue, the uploader reads it; where the downloader reads
// the transfer socket into a sink, the uploader writes a source onto it
// under the governor. On any failure it also makes a best-effort
// UploadFailed notification to the peer, unlike a failed download.
package upload

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

// Source supplies bytes to upload.
type Source interface {
	io.Reader
}

// SourceCloser is implemented by sources that must be closed once the
// upload completes.
type SourceCloser interface {
	Close() error
}

// SourceFactory produces the origin of one upload's bytes, called exactly
// once inside the orchestrator.
type SourceFactory func() (Source, error)

// Governor is the optional per-transfer bandwidth function consulted before
// the client-wide upload token bucket.
type Governor func(ctx context.Context, t *xfer.Transfer, requested uint64) (uint64, error)

// Reporter is invoked after every streamed chunk with (attempted, granted, actual).
type Reporter func(attempted, granted, actual uint64)

// Options configures one upload.
type Options struct {
	StateChanged              func(xfer.StateChangedEvent)
	ProgressUpdated           func(xfer.ProgressUpdatedEvent)
	Reporter                  Reporter
	Governor                  Governor
	DisposeSourceOnCompletion bool
}

// Request describes one upload to begin in response to a peer's incoming
// TransferRequest. RemoteToken is the token the peer chose when it asked
// for the file; Token is the token this process assigns for its own
// registry bookkeeping (by symmetry with download's token, may equal
// RemoteToken when the peer's token space and ours don't collide).
type Request struct {
	Username    string
	Filename    string
	Size        uint64
	RemoteToken uint32
	Token       uint32 // 0 means "assign the next available token"
	Source      SourceFactory
	Options     Options
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry *registry.Registry
	// OtherTokenExists is the download registry's TokenExists, consulted
	// alongside Registry's own index so token uniqueness spans both
	// directions. Nil is safe to leave unset.
	OtherTokenExists registry.ExistsFunc
	Tokens           *registry.TokenAllocator
	Waiter           *waiter.Waiter
	Peers            peer.ConnectionManager
	Bucket           *governor.TokenBucket
	MessageTimeout   time.Duration
}

const bufferSize = 16384
