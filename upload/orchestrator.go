package upload

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/peer"
	"github.com/slsk-go/slsk/protocol"
	"github.com/slsk-go/slsk/slskerr"
	"github.com/slsk-go/slsk/xfer"
)

// Start answers a peer's inbound request to download one of our files. It
// opens req.Source before ever touching a registry: if the file cannot be
// shared, the peer is told so directly and the Transfer terminates Rejected
// without having been admitted to either registry. Only once the source is
// open does Start admit t and begin the rest of the orchestration in a
// background goroutine, mirroring download.Start.
func Start(ctx context.Context, deps Deps, req Request) (*xfer.Transfer, <-chan struct{}, error) {
	token := req.Token
	if token == 0 {
		token = deps.Tokens.Next()
	}

	size := req.Size
	t := xfer.New(xfer.Upload, req.Username, req.Filename, &size, 0, token)
	t.RemoteToken = req.RemoteToken
	if req.Options.StateChanged != nil {
		t.OnStateChanged(req.Options.StateChanged)
	}
	if req.Options.ProgressUpdated != nil {
		t.OnProgress(req.Options.ProgressUpdated)
	}

	source, err := req.Source()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "upload.Start",
			"username": req.Username,
			"filename": req.Filename,
			"error":    err.Error(),
		}).Warn("declining upload, file not shared")
		declineBeforeAdmission(ctx, deps, t)
		done := make(chan struct{})
		close(done)
		return t, done, nil
	}

	if err := deps.Registry.Insert(t, deps.OtherTokenExists); err != nil {
		closeSource(t, source)
		return nil, nil, err
	}
	if err := t.Advance(xfer.StageQueuedLocally); err != nil {
		deps.Registry.Release(t)
		closeSource(t, source)
		return nil, nil, err
	}

	done := make(chan struct{})
	go run(ctx, deps, t, req, source, done)
	return t, done, nil
}

// declineBeforeAdmission replies to the peer with TransferResponse{allowed:
// false, message: "File not shared."} and terminates t Rejected. t is never
// inserted into a registry, so there is nothing to release here.
func declineBeforeAdmission(ctx context.Context, deps Deps, t *xfer.Transfer) {
	message := "File not shared."
	if msgConn, connErr := deps.Peers.GetOrCreateMessageConnection(ctx, t.Username, nil); connErr == nil {
		resp := protocol.TransferResponse{Token: t.RemoteToken, Allowed: false, Message: &message}
		if sendErr := msgConn.SendMessage(protocol.CodeTransferResponse, resp.Encode()); sendErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "upload.declineBeforeAdmission",
				"username": t.Username,
				"filename": t.Filename,
				"error":    sendErr.Error(),
			}).Warn("failed to notify peer of declined upload")
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "upload.declineBeforeAdmission",
			"username": t.Username,
			"filename": t.Filename,
			"error":    connErr.Error(),
		}).Warn("failed to reach peer to decline upload")
	}
	t.Terminate(xfer.TerminatorRejected, &slskerr.TransferRejectedError{Message: message})
}

func closeSource(t *xfer.Transfer, source Source) {
	closer, ok := source.(SourceCloser)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "upload.closeSource",
			"token":    t.Token,
			"error":    err.Error(),
		}).Warn("failed to close upload source")
	}
}

func run(ctx context.Context, deps Deps, t *xfer.Transfer, req Request, source Source, done chan<- struct{}) {
	defer close(done)
	defer deps.Registry.Release(t)

	msgConn, err := deps.Peers.GetOrCreateMessageConnection(ctx, t.Username, nil)
	if err != nil {
		classifyAndTerminate(t, err, nil)
		closeSource(t, source)
		return
	}

	resp := protocol.TransferResponse{Token: req.RemoteToken, Allowed: true, Size: &req.Size}
	if err := msgConn.SendMessage(protocol.CodeTransferResponse, resp.Encode()); err != nil {
		classifyAndTerminate(t, err, msgConn)
		closeSource(t, source)
		return
	}
	if err := t.Advance(xfer.StageRequested); err != nil {
		t.Terminate(xfer.TerminatorErrored, err)
		closeSource(t, source)
		return
	}

	// The uploader answers the peer's request; there is no TransferResponse
	// to await back, so the Requested->QueuedRemotely transition is an
	// immediate pass-through rather than something the peer acknowledges.
	if err := t.Advance(xfer.StageQueuedRemotely); err != nil {
		t.Terminate(xfer.TerminatorErrored, err)
		closeSource(t, source)
		return
	}

	transferConn, err := acquireTransferConnection(ctx, deps, t)
	if err != nil {
		classifyAndTerminate(t, err, msgConn)
		closeSource(t, source)
		return
	}

	if err := t.Advance(xfer.StageInitializing); err != nil {
		t.Terminate(xfer.TerminatorErrored, err)
		closeSource(t, source)
		return
	}

	offset, err := readOffset(transferConn)
	if err != nil {
		wrapped := slskerr.NewConnectionError("read-offset", t.Username, err)
		t.SetClientError(slskerr.NewSoulseekClientError("Failed to upload file", wrapped))
		t.Terminate(xfer.TerminatorErrored, wrapped)
		notifyUploadFailed(msgConn, t.Filename)
		closeSource(t, source)
		return
	}
	t.StartOffset = offset

	if err := t.Advance(xfer.StageInProgress); err != nil {
		t.Terminate(xfer.TerminatorErrored, err)
		closeSource(t, source)
		return
	}
	t.EmitProgress()

	streamErr := streamBytes(ctx, deps, t, req, source, transferConn)
	t.EmitProgress()

	if streamErr != nil {
		terminateFromStreamError(t, streamErr)
		notifyUploadFailed(msgConn, t.Filename)
		closeSource(t, source)
		return
	}

	finalizeSource(t, source, req.Options.DisposeSourceOnCompletion)
	t.Terminate(xfer.TerminatorSucceeded, nil)
}

// acquireTransferConnection awaits the peer-initiated transfer connection.
// Unlike the downloader, the uploader has no cached endpoint to fall back
// to for an outbound dial: the peer that asked for the file is the only
// side expected to open this connection.
func acquireTransferConnection(ctx context.Context, deps Deps, t *xfer.Transfer) (peer.TransferConn, error) {
	return deps.Peers.AwaitInboundTransferConnection(ctx, t.Username, t.Filename, t.RemoteToken)
}

func readOffset(conn peer.TransferConn) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, err
	}
	return protocol.DecodeOffset(buf)
}

func streamBytes(ctx context.Context, deps Deps, t *xfer.Transfer, req Request, source Source, conn peer.TransferConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

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

		if granted > uint64(len(buf)) {
			granted = uint64(len(buf))
		}

		n, readErr := source.Read(buf[:granted])
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
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

func finalizeSource(t *xfer.Transfer, source Source, dispose bool) {
	if !dispose {
		return
	}
	if closer, ok := source.(SourceCloser); ok {
		if err := closer.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "upload.finalizeSource",
				"token":    t.Token,
				"error":    err.Error(),
			}).Warn("failed to close upload source")
		}
	}
}

func notifyUploadFailed(msgConn peer.MessageConn, filename string) {
	if msgConn == nil {
		return
	}
	notice := protocol.UploadFailedNotice{Filename: filename}
	if err := msgConn.SendMessage(protocol.CodeUploadFailed, notice.Encode()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "upload.notifyUploadFailed",
			"filename": filename,
			"error":    err.Error(),
		}).Warn("best-effort UploadFailed notification failed")
	}
}

// classifyAndTerminate terminates t for a pre-stream failure, wrapping
// non-semantic failures in a SoulseekClientError the same way
// download.classifyAndTerminate does, so both orchestrators present one
// uniform catch surface to callers.
func classifyAndTerminate(t *xfer.Transfer, err error, msgConn peer.MessageConn) {
	switch e := err.(type) {
	case *slskerr.TimeoutError:
		t.Terminate(xfer.TerminatorTimedOut, e)
	case *slskerr.CancelledError:
		t.Terminate(xfer.TerminatorCancelled, e)
	case *slskerr.TransferRejectedError:
		t.Terminate(xfer.TerminatorRejected, e)
	default:
		t.SetClientError(slskerr.NewSoulseekClientError("Failed to upload file", err))
		t.Terminate(xfer.TerminatorErrored, err)
	}
	notifyUploadFailed(msgConn, t.Filename)
}

func terminateFromStreamError(t *xfer.Transfer, err error) {
	switch e := err.(type) {
	case *slskerr.TimeoutError:
		t.Terminate(xfer.TerminatorTimedOut, e)
	case *slskerr.CancelledError:
		t.Terminate(xfer.TerminatorCancelled, &slskerr.CancelledError{Message: "Operation cancelled"})
	case *slskerr.TransferRejectedError:
		t.Terminate(xfer.TerminatorRejected, e)
	default:
		t.SetClientError(slskerr.NewSoulseekClientError("Failed to upload file", e))
		t.Terminate(xfer.TerminatorErrored, e)
	}
}
