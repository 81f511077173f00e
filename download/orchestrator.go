package download

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/dispatch"
	"github.com/slsk-go/slsk/peer"
	"github.com/slsk-go/slsk/protocol"
	"github.com/slsk-go/slsk/slskerr"
	"github.com/slsk-go/slsk/waiter"
	"github.com/slsk-go/slsk/xfer"
)

// Start admits req into the registry and, on success, begins the rest of
// the orchestration in a background goroutine.
// It returns immediately with the Transfer and a channel closed once the
// transfer reaches Completed. A non-nil error means no I/O was performed
// and the registry was left untouched.
func Start(ctx context.Context, deps Deps, req Request) (*xfer.Transfer, <-chan struct{}, error) {
	token := req.Token
	if token == 0 {
		token = deps.Tokens.Next()
	}

	t := xfer.New(xfer.Download, req.Username, req.Filename, req.Size, req.StartOffset, token)
	if req.Options.StateChanged != nil {
		t.OnStateChanged(req.Options.StateChanged)
	}
	if req.Options.ProgressUpdated != nil {
		t.OnProgress(req.Options.ProgressUpdated)
	}

	if err := deps.Registry.Insert(t, deps.OtherTokenExists); err != nil {
		return nil, nil, err
	}

	if err := t.Advance(xfer.StageQueuedLocally); err != nil {
		deps.Registry.Release(t)
		return nil, nil, err
	}

	done := make(chan struct{})
	go run(ctx, deps, t, req, done)
	return t, done, nil
}

func run(ctx context.Context, deps Deps, t *xfer.Transfer, req Request, done chan<- struct{}) {
	defer close(done)
	defer deps.Registry.Release(t)

	endpoint, err := resolveEndpoint(ctx, deps, t.Username)
	if err != nil {
		classifyAndTerminate(t, err)
		return
	}

	msgConn, err := deps.Peers.GetOrCreateMessageConnection(ctx, t.Username, endpoint)
	if err != nil {
		classifyAndTerminate(t, err)
		return
	}

	if err := sendTransferRequest(msgConn, t); err != nil {
		classifyAndTerminate(t, err)
		return
	}
	if err := t.Advance(xfer.StageRequested); err != nil {
		t.Terminate(xfer.TerminatorErrored, err)
		return
	}
	t.RemoteToken = t.Token

	negotiatedSize, err := negotiate(ctx, deps, t)
	if err != nil {
		if rej, ok := err.(*slskerr.TransferRejectedError); ok {
			t.Terminate(xfer.TerminatorRejected, rej)
			return
		}
		classifyAndTerminate(t, err)
		return
	}

	if req.Size != nil {
		if *req.Size != negotiatedSize {
			t.Terminate(xfer.TerminatorAborted, &slskerr.TransferSizeMismatchError{Local: *req.Size, Remote: negotiatedSize})
			return
		}
	} else {
		t.SetNegotiatedSize(negotiatedSize)
	}

	if err := t.Advance(xfer.StageQueuedRemotely); err != nil {
		t.Terminate(xfer.TerminatorErrored, err)
		return
	}

	transferConn, err := acquireTransferConnection(ctx, deps, t, endpoint)
	if err != nil {
		classifyAndTerminate(t, err)
		return
	}

	// The sink factory is called exactly once, here, immediately before
	// Initializing: every negotiation failure above (rejection, size
	// mismatch, offline, timeout) exits before this point, so none of them
	// ever creates a zero-byte destination file.
	sink, err := req.Sink()
	if err != nil {
		t.SetClientError(slskerr.NewSoulseekClientError("failed to open download destination", err))
		t.Terminate(xfer.TerminatorErrored, err)
		return
	}

	if err := t.Advance(xfer.StageInitializing); err != nil {
		t.Terminate(xfer.TerminatorErrored, err)
		return
	}

	if _, err := transferConn.Write(protocol.EncodeOffset(t.StartOffset)); err != nil {
		classifyAndTerminate(t, slskerr.NewConnectionError("write-offset", t.Username, err))
		return
	}

	if err := t.Advance(xfer.StageInProgress); err != nil {
		t.Terminate(xfer.TerminatorErrored, err)
		return
	}
	t.EmitProgress()

	streamErr := streamBytes(ctx, deps, t, req, sink, transferConn)
	t.EmitProgress()

	if streamErr != nil {
		terminateFromStreamError(t, streamErr)
		return
	}

	finalizeSink(t, sink, req.Options.DisposeOutputStreamOnCompletion)
	t.Terminate(xfer.TerminatorSucceeded, nil)
}

func resolveEndpoint(ctx context.Context, deps Deps, username string) (net.Addr, error) {
	if err := deps.Server.RequestUserAddress(ctx, username); err != nil {
		return nil, err
	}
	resp, err := waiter.Wait[protocol.UserAddressResponse](ctx, deps.Waiter, dispatch.UserAddressKey(username), deps.MessageTimeout)
	if err != nil {
		return nil, err
	}
	ip := net.IPv4(resp.IP[0], resp.IP[1], resp.IP[2], resp.IP[3])
	return &net.TCPAddr{IP: ip, Port: int(resp.Port)}, nil
}

func sendTransferRequest(conn interface {
	SendMessage(code protocol.MessageCode, payload []byte) error
}, t *xfer.Transfer) error {
	msg := protocol.TransferRequest{
		Direction: protocol.DirectionDownload,
		Token:     t.Token,
		Filename:  t.Filename,
	}
	return conn.SendMessage(protocol.CodeTransferRequest, msg.Encode())
}

// negotiate awaits the peer's TransferResponse, then, on the
// queued-by-message path, awaits the peer's follow-up TransferRequest and
// acknowledges it. Returns the negotiated size.
func negotiate(ctx context.Context, deps Deps, t *xfer.Transfer) (uint64, error) {
	resp, err := waiter.Wait[protocol.TransferResponse](ctx, deps.Waiter, dispatch.TransferResponseKey(t.Username, t.Token), deps.MessageTimeout)
	if err != nil {
		return 0, err
	}

	if resp.Allowed {
		size := uint64(0)
		if resp.Size != nil {
			size = *resp.Size
		}
		return size, nil
	}

	message := ""
	if resp.Message != nil {
		message = *resp.Message
	}
	if xfer.IsRejectionMessage(message) {
		return 0, &slskerr.TransferRejectedError{Message: message}
	}

	// Queued-by-message: await the peer's own follow-up TransferRequest.
	reqMsg, err := waiter.WaitIndefinitely[protocol.TransferRequest](ctx, deps.Waiter, dispatch.TransferRequestKey(t.Username, t.Filename))
	if err != nil {
		return 0, err
	}
	t.RemoteToken = reqMsg.Token

	msgConn, err := deps.Peers.GetOrCreateMessageConnection(ctx, t.Username, nil)
	if err != nil {
		return 0, err
	}
	ack := protocol.TransferResponse{Token: t.Token, Allowed: true}
	if err := msgConn.SendMessage(protocol.CodeTransferResponse, ack.Encode()); err != nil {
		return 0, err
	}

	size := uint64(0)
	if reqMsg.Size != nil {
		size = *reqMsg.Size
	}
	return size, nil
}

func acquireTransferConnection(ctx context.Context, deps Deps, t *xfer.Transfer, endpoint net.Addr) (peer.TransferConn, error) {
	conn, err := deps.Peers.AwaitInboundTransferConnection(ctx, t.Username, t.Filename, t.RemoteToken)
	if err == nil {
		return conn, nil
	}

	var connErr *slskerr.ConnectionError
	if !errors.As(err, &connErr) {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "download.acquireTransferConnection",
		"username": t.Username,
		"filename": t.Filename,
	}).Info("inbound transfer connection wait failed, falling back to outbound")

	return deps.Peers.DialTransferConnection(ctx, t.Username, endpoint, t.RemoteToken)
}

func streamBytes(ctx context.Context, deps Deps, t *xfer.Transfer, req Request, sink Sink, conn peer.TransferConn) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	remoteFailCh := make(chan error, 1)
	go func() {
		if _, err := waiter.WaitIndefinitely[any](streamCtx, deps.Waiter, dispatch.DownloadFailedKey(t.Username, t.Filename)); err == nil {
			remoteFailCh <- &slskerr.TransferException{Message: "Download reported as failed by remote client"}
		}
	}()
	go func() {
		if msg, err := waiter.WaitIndefinitely[string](streamCtx, deps.Waiter, dispatch.DownloadDeniedKey(t.Username, t.Filename)); err == nil {
			remoteFailCh <- &slskerr.TransferRejectedError{Message: msg}
		}
	}()

	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- readLoop(ctx, deps, t, req, sink, conn)
	}()

	select {
	case <-ctx.Done():
		return &slskerr.CancelledError{}
	case err := <-remoteFailCh:
		return err
	case err := <-readErrCh:
		return err
	}
}

func readLoop(ctx context.Context, deps Deps, t *xfer.Transfer, req Request, sink Sink, conn peer.TransferConn) error {
	buf := make([]byte, bufferSize)

	for t.BytesTransferred() < t.Size() {
		remaining := t.Size() - t.BytesTransferred()
		ask := remaining
		if ask > bufferSize {
			ask = bufferSize
		}

		if req.Options.Governor != nil {
			granted, err := req.Options.Governor(ctx, t, ask)
			if err != nil {
				return wrapStreamErr(err)
			}
			ask = granted
		}

		granted, err := deps.Bucket.Get(ctx, ask)
		if err != nil {
			return wrapStreamErr(err)
		}

		n, readErr := conn.Read(buf[:granted])
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				deps.Bucket.Return(granted - uint64(n))
				return wrapStreamErr(werr)
			}
			t.AddBytesTransferred(uint64(n))
			deps.Bucket.Return(granted - uint64(n))
			if req.Options.Reporter != nil {
				req.Options.Reporter(ask, granted, uint64(n))
			}
		} else {
			deps.Bucket.Return(granted)
		}

		if readErr != nil {
			if readErr == io.EOF && t.BytesTransferred() >= t.Size() {
				return nil
			}
			return wrapStreamErr(readErr)
		}
	}
	return nil
}

func wrapStreamErr(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *slskerr.TimeoutError, *slskerr.CancelledError, *slskerr.TransferRejectedError, *slskerr.TransferException:
		return err
	default:
		return slskerr.NewConnectionError("stream", "", err)
	}
}

func finalizeSink(t *xfer.Transfer, sink Sink, dispose bool) {
	if ps, ok := sink.(PositionableSink); ok {
		if _, err := ps.Position(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "download.finalizeSink",
				"token":    t.Token,
				"error":    err.Error(),
			}).Warn("failed to determine final position")
		}
	}

	if !dispose {
		return
	}
	if closer, ok := sink.(SinkCloser); ok {
		if err := closer.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "download.finalizeSink",
				"token":    t.Token,
				"error":    err.Error(),
			}).Warn("failed to close output sink")
		}
	}
}

// classifyAndTerminate terminates t for a pre-stream failure. Terminators
// that are already semantically meaningful on their own (TimedOut,
// Cancelled, Rejected, or an offline peer, which is folded into Errored
// since the terminator enum has no Offline case) are surfaced directly with
// no wrapper; anything else is a non-semantic negotiation failure and is
// additionally wrapped in a SoulseekClientError so callers have a uniform
// catch surface, per the failure-taxonomy every other row of which names one.
func classifyAndTerminate(t *xfer.Transfer, err error) {
	switch e := err.(type) {
	case *slskerr.TimeoutError:
		t.Terminate(xfer.TerminatorTimedOut, e)
	case *slskerr.CancelledError:
		t.Terminate(xfer.TerminatorCancelled, e)
	case *slskerr.TransferRejectedError:
		t.Terminate(xfer.TerminatorRejected, e)
	case *slskerr.UserOfflineError:
		t.Terminate(xfer.TerminatorErrored, e)
	default:
		t.SetClientError(slskerr.NewSoulseekClientError("Failed to download file", err))
		t.Terminate(xfer.TerminatorErrored, err)
	}
}

// terminateFromStreamError terminates t for a stream-phase failure.
// Stream-phase errors are always wrapped, except the terminators that are
// already meaningful standalone (TimedOut, Cancelled, Rejected).
func terminateFromStreamError(t *xfer.Transfer, err error) {
	switch e := err.(type) {
	case *slskerr.TimeoutError:
		t.Terminate(xfer.TerminatorTimedOut, e)
	case *slskerr.CancelledError:
		t.Terminate(xfer.TerminatorCancelled, &slskerr.CancelledError{Message: "Operation cancelled"})
	case *slskerr.TransferRejectedError:
		t.Terminate(xfer.TerminatorRejected, e)
	default:
		t.SetClientError(slskerr.NewSoulseekClientError("Failed to download file", e))
		t.Terminate(xfer.TerminatorErrored, e)
	}
}
