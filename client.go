// Package slsk implements the transfer core of a Soulseek peer-to-peer
// file-sharing client: request/response negotiation across a server
// connection and per-peer message/transfer connections, a token-bucket
// governor, a WaitKey-keyed rendezvous waiter, and the download/upload
// orchestrators that drive one file exchange end to end. Client is the
// single entry point; everything else in this module is a collaborator it
// wires together.
package slsk

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/dispatch"
	"github.com/slsk-go/slsk/download"
	"github.com/slsk-go/slsk/governor"
	"github.com/slsk-go/slsk/peer"
	"github.com/slsk-go/slsk/protocol"
	"github.com/slsk-go/slsk/registry"
	"github.com/slsk-go/slsk/slskerr"
	"github.com/slsk-go/slsk/upload"
	"github.com/slsk-go/slsk/waiter"
	"github.com/slsk-go/slsk/xfer"
)

// DownloadHandle is returned by EnqueueDownload: the Transfer has already
// been admitted (registered and QueuedLocally) by the time this is returned.
// Endpoint resolution and sending the TransferRequest happen afterwards on
// the orchestrator goroutine and are not awaited here. Done closes once the
// transfer reaches Completed.
type DownloadHandle struct {
	Transfer *xfer.Transfer
	Done     <-chan struct{}
}

// UploadHandle is the upload-direction counterpart of DownloadHandle.
type UploadHandle struct {
	Transfer *xfer.Transfer
	Done     <-chan struct{}
}

// Client is the transfer-core facade: it owns the process-wide registries,
// the waiter, the two client-wide token buckets, the peer connection
// manager, and the server connection, and exposes the download/upload
// entry points.
type Client struct {
	opts ClientOptions

	downloadRegistry *registry.Registry
	uploadRegistry   *registry.Registry
	tokens           *registry.TokenAllocator
	waiter           *waiter.Waiter
	dispatcher       *dispatch.Dispatcher
	peers            peer.ConnectionManager
	downloadBucket   *governor.TokenBucket
	uploadBucket     *governor.TokenBucket
	server           *serverConn

	pumpCtx    context.Context
	pumpCancel context.CancelFunc

	mu           sync.Mutex
	connected    bool
	peerPumps    map[string]bool
	shutdownOnce sync.Once
}

// NewClient wires a Client around an already-established server transport
// and peer connection manager. Establishing those connections (dialing the
// server, logging in) is out of scope; by the time NewClient returns, the
// client is considered Connected+LoggedIn for the purposes of the
// connection-state gate every transfer entry point checks.
func NewClient(transport ServerTransport, peers peer.ConnectionManager, opts ClientOptions) (*Client, error) {
	opts = opts.withDefaults()

	downloadRegistry := registry.New()
	uploadRegistry := registry.New()

	tokens, err := registry.NewTokenAllocator(downloadRegistry.TokenExists, uploadRegistry.TokenExists)
	if err != nil {
		return nil, fmt.Errorf("slsk: failed to seed token allocator: %w", err)
	}

	w := waiter.New()
	d := dispatch.New(w)
	srv := newServerConn(transport, d)

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		opts:             opts,
		downloadRegistry: downloadRegistry,
		uploadRegistry:   uploadRegistry,
		tokens:           tokens,
		waiter:           w,
		dispatcher:       d,
		peers:            peers,
		downloadBucket:   governor.New(opts.DownloadTokenBucketRate),
		uploadBucket:     governor.New(opts.UploadTokenBucketRate),
		server:           srv,
		pumpCtx:          ctx,
		pumpCancel:       cancel,
		connected:        true,
		peerPumps:        make(map[string]bool),
	}

	d.OnIncomingTransferRequest = c.handleIncomingTransferRequest

	go srv.pump(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "slsk.NewClient",
	}).Info("soulseek transfer client ready")

	return c, nil
}

// Shutdown releases the client's background resources. It is idempotent:
// a second call is a no-op. It does not wait for active transfers to finish.
// Transfers started through the Download/Upload entry points keep the
// context their caller passed and are not cancelled; peer-initiated uploads
// run under the client's internal context, which Shutdown cancels. Closing
// the token buckets makes a rate-limited transfer's next bandwidth grant
// fail with governor.ErrClosed.
func (c *Client) Shutdown() error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		c.pumpCancel()
		c.downloadBucket.Close()
		c.uploadBucket.Close()
		err = c.server.transport.Close()

		logrus.WithFields(logrus.Fields{
			"function": "Client.Shutdown",
		}).Info("soulseek transfer client shut down")
	})
	return err
}

func (c *Client) requireConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("%w: client must be connected and logged in", slskerr.ErrNotConnected)
	}
	return nil
}

func validateTransferArgs(username, filename string, hasDestination bool, size *uint64, startOffset uint64) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("argument error: username must not be empty")
	}
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("argument error: filename must not be empty")
	}
	if !hasDestination {
		return fmt.Errorf("argument error: destination must not be nil")
	}
	if startOffset > 0 && size == nil {
		return fmt.Errorf("argument error: size is required when startOffset > 0")
	}
	return nil
}

// ensurePeerPump starts (at most once per peer) a goroutine that reads
// inbound messages from username's cached message connection and routes
// them into the dispatcher, mirroring the server pump.
func (c *Client) ensurePeerPump(username string, conn peer.MessageConn) {
	c.mu.Lock()
	if c.peerPumps[username] {
		c.mu.Unlock()
		return
	}
	c.peerPumps[username] = true
	c.mu.Unlock()

	go c.pumpPeer(username, conn)
}

func (c *Client) pumpPeer(username string, conn peer.MessageConn) {
	for {
		code, payload, err := conn.ReceiveMessage(c.pumpCtx)
		if err != nil {
			select {
			case <-c.pumpCtx.Done():
			default:
				logrus.WithFields(logrus.Fields{
					"function": "Client.pumpPeer",
					"username": username,
					"error":    err.Error(),
				}).Warn("peer message connection read failed")
			}
			c.mu.Lock()
			delete(c.peerPumps, username)
			c.mu.Unlock()
			return
		}

		switch code {
		case protocol.CodeTransferResponse:
			msg, derr := protocol.DecodeTransferResponse(payload)
			if derr != nil {
				logDecodeError("TransferResponse", derr)
				continue
			}
			c.dispatcher.DispatchTransferResponse(username, msg)

		case protocol.CodeTransferRequest:
			msg, derr := protocol.DecodeTransferRequest(payload)
			if derr != nil {
				logDecodeError("TransferRequest", derr)
				continue
			}
			c.dispatcher.DispatchTransferRequest(username, msg)

		case protocol.CodeQueueFailed:
			msg, derr := protocol.DecodeQueueFailed(payload)
			if derr != nil {
				logDecodeError("QueueFailed", derr)
				continue
			}
			c.dispatcher.DispatchQueueFailed(username, msg)

		case protocol.CodeDownloadFailed:
			msg, derr := protocol.DecodeDownloadFailedNotice(payload)
			if derr != nil {
				logDecodeError("DownloadFailed", derr)
				continue
			}
			c.dispatcher.DispatchDownloadFailed(username, msg.Filename)

		case protocol.CodeUploadFailed:
			msg, derr := protocol.DecodeUploadFailedNotice(payload)
			if derr != nil {
				logDecodeError("UploadFailed", derr)
				continue
			}
			// A peer acting as uploader reports its own failure to us in
			// the same shape as a DownloadFailed notice.
			c.dispatcher.DispatchDownloadFailed(username, msg.Filename)

		case protocol.CodeDownloadDenied:
			msg, derr := protocol.DecodeDownloadDeniedNotice(payload)
			if derr != nil {
				logDecodeError("DownloadDenied", derr)
				continue
			}
			c.dispatcher.DispatchDownloadDenied(username, msg.Filename, msg.Message)

		default:
			logrus.WithFields(logrus.Fields{
				"function": "Client.pumpPeer",
				"username": username,
				"code":     fmt.Sprint(code),
			}).Debug("unhandled peer message code")
		}
	}
}

func (c *Client) downloadDeps() download.Deps {
	return download.Deps{
		Registry:         c.downloadRegistry,
		OtherTokenExists: c.uploadRegistry.TokenExists,
		Tokens:           c.tokens,
		Waiter:           c.waiter,
		Peers:            &pumpingConnectionManager{Client: c},
		Bucket:           c.downloadBucket,
		Server:           c.server,
		MessageTimeout:   c.opts.MessageTimeout,
	}
}

func (c *Client) uploadDeps() upload.Deps {
	return upload.Deps{
		Registry:         c.uploadRegistry,
		OtherTokenExists: c.downloadRegistry.TokenExists,
		Tokens:           c.tokens,
		Waiter:           c.waiter,
		Peers:            &pumpingConnectionManager{Client: c},
		Bucket:           c.uploadBucket,
		MessageTimeout:   c.opts.MessageTimeout,
	}
}

// handleIncomingTransferRequest answers a peer's solicitation to download
// one of our files: it resolves the share, opens the connection under the
// same pumping connection manager every other transfer uses, and hands off
// to upload.Start. It runs on its own goroutine since dispatch requires its
// handler not block the peer message pump.
func (c *Client) handleIncomingTransferRequest(username string, msg protocol.TransferRequest) {
	go func() {
		filename := msg.Filename
		size := uint64(0)
		if msg.Size != nil {
			size = *msg.Size
		}

		var localPath string
		var resolveErr error
		if c.opts.ShareResolver != nil {
			localPath, resolveErr = c.opts.ShareResolver(username, filename)
		} else {
			resolveErr = fmt.Errorf("no share resolver configured")
		}
		if resolveErr == nil {
			if info, statErr := os.Stat(localPath); statErr == nil {
				size = uint64(info.Size())
			} else {
				resolveErr = statErr
			}
		}

		sourceFactory := func() (upload.Source, error) {
			if resolveErr != nil {
				return nil, resolveErr
			}
			return os.Open(localPath)
		}

		req := upload.Request{
			Username:    username,
			Filename:    filename,
			Size:        size,
			RemoteToken: msg.Token,
			Source:      sourceFactory,
		}

		if _, _, err := upload.Start(c.pumpCtx, c.uploadDeps(), req); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.handleIncomingTransferRequest",
				"username": username,
				"filename": filename,
				"error":    err.Error(),
			}).Warn("failed to admit peer-initiated upload")
		}
	}()
}

// Download is the "to-path" entry point: it opens localPath for writing and
// streams the download into it.
func (c *Client) Download(ctx context.Context, username, filename, localPath string, size *uint64, startOffset uint64, token uint32, opts TransferOptions) (*xfer.Transfer, error) {
	sinkFactory := func() (download.Sink, error) {
		f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		if startOffset > 0 {
			if _, err := f.Seek(int64(startOffset), 0); err != nil {
				f.Close()
				return nil, err
			}
		}
		return &fileSink{File: f}, nil
	}
	return c.DownloadToSink(ctx, username, filename, sinkFactory, size, startOffset, token, opts)
}

// DownloadToSink is the "to-sink" entry point.
func (c *Client) DownloadToSink(ctx context.Context, username, filename string, sinkFactory download.SinkFactory, size *uint64, startOffset uint64, token uint32, opts TransferOptions) (*xfer.Transfer, error) {
	handle, err := c.EnqueueDownload(ctx, username, filename, sinkFactory, size, startOffset, token, opts)
	if err != nil {
		return nil, err
	}
	return handle.Transfer, nil
}

// EnqueueDownload performs synchronous validation and admission, then
// returns a handle whose Done channel resolves on completion.
func (c *Client) EnqueueDownload(ctx context.Context, username, filename string, sinkFactory download.SinkFactory, size *uint64, startOffset uint64, token uint32, opts TransferOptions) (*DownloadHandle, error) {
	if err := validateTransferArgs(username, filename, sinkFactory != nil, size, startOffset); err != nil {
		return nil, err
	}
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	req := download.Request{
		Username:    strings.TrimSpace(username),
		Filename:    strings.TrimSpace(filename),
		Size:        size,
		StartOffset: startOffset,
		Token:       token,
		Sink:        sinkFactory,
		Options:     opts,
	}

	t, done, err := download.Start(ctx, c.downloadDeps(), req)
	if err != nil {
		return nil, err
	}
	return &DownloadHandle{Transfer: t, Done: done}, nil
}

// UploadFile is the "to-path" upload entry point: it opens localPath for
// reading and streams it outward once the peer's transfer connection
// arrives.
func (c *Client) UploadFile(ctx context.Context, username, filename, localPath string, remoteToken, token uint32, opts UploadOptions) (*xfer.Transfer, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	sourceFactory := func() (upload.Source, error) {
		return os.Open(localPath)
	}
	return c.UploadFromSource(ctx, username, filename, sourceFactory, uint64(info.Size()), remoteToken, token, opts)
}

// UploadFromSource is the "to-source" upload entry point.
func (c *Client) UploadFromSource(ctx context.Context, username, filename string, sourceFactory upload.SourceFactory, size uint64, remoteToken, token uint32, opts UploadOptions) (*xfer.Transfer, error) {
	handle, err := c.EnqueueUpload(ctx, username, filename, sourceFactory, size, remoteToken, token, opts)
	if err != nil {
		return nil, err
	}
	return handle.Transfer, nil
}

// EnqueueUpload is the upload-direction counterpart of EnqueueDownload.
func (c *Client) EnqueueUpload(ctx context.Context, username, filename string, sourceFactory upload.SourceFactory, size uint64, remoteToken, token uint32, opts UploadOptions) (*UploadHandle, error) {
	sz := size
	if err := validateTransferArgs(username, filename, sourceFactory != nil, &sz, 0); err != nil {
		return nil, err
	}
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	req := upload.Request{
		Username:    strings.TrimSpace(username),
		Filename:    strings.TrimSpace(filename),
		Size:        size,
		RemoteToken: remoteToken,
		Token:       token,
		Source:      sourceFactory,
		Options:     opts,
	}

	t, done, err := upload.Start(ctx, c.uploadDeps(), req)
	if err != nil {
		return nil, err
	}
	return &UploadHandle{Transfer: t, Done: done}, nil
}

// fileSink adapts *os.File to download.PositionableSink and download.SinkCloser.
type fileSink struct {
	*os.File
}

func (f *fileSink) Position() (int64, error) {
	return f.Seek(0, 1)
}

// pumpingConnectionManager wraps the Client's peer.ConnectionManager so
// that every message connection it hands out is registered with
// Client.ensurePeerPump exactly once, regardless of whether the
// orchestrator that requested it is downloading or uploading.
type pumpingConnectionManager struct {
	*Client
}

func (p *pumpingConnectionManager) GetOrCreateMessageConnection(ctx context.Context, username string, addr net.Addr) (peer.MessageConn, error) {
	conn, err := p.peers.GetOrCreateMessageConnection(ctx, username, addr)
	if err != nil {
		return nil, err
	}
	p.ensurePeerPump(username, conn)
	return conn, nil
}

func (p *pumpingConnectionManager) AwaitInboundTransferConnection(ctx context.Context, username, filename string, token uint32) (peer.TransferConn, error) {
	return p.peers.AwaitInboundTransferConnection(ctx, username, filename, token)
}

func (p *pumpingConnectionManager) DialTransferConnection(ctx context.Context, username string, addr net.Addr, token uint32) (peer.TransferConn, error) {
	return p.peers.DialTransferConnection(ctx, username, addr, token)
}
