package download

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/slsk-go/slsk/dispatch"
	"github.com/slsk-go/slsk/governor"
	"github.com/slsk-go/slsk/peer"
	"github.com/slsk-go/slsk/peer/simulated"
	"github.com/slsk-go/slsk/protocol"
	"github.com/slsk-go/slsk/registry"
	"github.com/slsk-go/slsk/waiter"
	"github.com/slsk-go/slsk/xfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTokenAllocator(t *testing.T) *registry.TokenAllocator {
	t.Helper()
	a, err := registry.NewTokenAllocator()
	require.NoError(t, err)
	return a
}

type fakeServerConn struct {
	w *waiter.Waiter
}

func (f *fakeServerConn) RequestUserAddress(ctx context.Context, username string) error {
	go f.w.Complete(dispatch.UserAddressKey(username), protocol.UserAddressResponse{
		Username: username,
		IP:       [4]byte{127, 0, 0, 1},
		Port:     2234,
	})
	return nil
}

// runInboundPump mirrors the Client's peer message pump for the single test
// connection it is given, routing incoming messages into d until ctx is
// cancelled or conn closes.
func runInboundPump(ctx context.Context, conn peer.MessageConn, peerUsername string, d *dispatch.Dispatcher) {
	for {
		code, payload, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		switch code {
		case protocol.CodeTransferResponse:
			if msg, err := protocol.DecodeTransferResponse(payload); err == nil {
				d.DispatchTransferResponse(peerUsername, msg)
			}
		case protocol.CodeTransferRequest:
			if msg, err := protocol.DecodeTransferRequest(payload); err == nil {
				d.DispatchTransferRequest(peerUsername, msg)
			}
		case protocol.CodeQueueFailed:
			if msg, err := protocol.DecodeQueueFailed(payload); err == nil {
				d.DispatchQueueFailed(peerUsername, msg)
			}
		}
	}
}

func dialWithRetry(ctx context.Context, mgr *simulated.Manager, username string, token uint32) (peer.TransferConn, error) {
	var lastErr error
	for i := 0; i < 100; i++ {
		conn, err := mgr.DialTransferConnection(ctx, username, nil, token)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(5 * time.Millisecond)
	}
	return nil, lastErr
}

func TestDownloadHappyReadyPath(t *testing.T) {
	network := simulated.NewNetwork()
	meMgr := simulated.NewManager(network, "me")
	bobMgr := simulated.NewManager(network, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meConn, err := meMgr.GetOrCreateMessageConnection(ctx, "bob", nil)
	require.NoError(t, err)
	bobConn, err := bobMgr.GetOrCreateMessageConnection(ctx, "me", nil)
	require.NoError(t, err)

	w := waiter.New()
	d := dispatch.New(w)
	go runInboundPump(ctx, meConn, "bob", d)

	const size = uint64(4096)
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i)
	}

	errCh := make(chan error, 1)
	go func() {
		_, payload, err := bobConn.ReceiveMessage(ctx)
		if err != nil {
			errCh <- err
			return
		}
		reqMsg, err := protocol.DecodeTransferRequest(payload)
		if err != nil {
			errCh <- err
			return
		}

		respSize := size
		resp := protocol.TransferResponse{Token: reqMsg.Token, Allowed: true, Size: &respSize}
		if err := bobConn.SendMessage(protocol.CodeTransferResponse, resp.Encode()); err != nil {
			errCh <- err
			return
		}

		transferConn, err := dialWithRetry(ctx, bobMgr, "me", reqMsg.Token)
		if err != nil {
			errCh <- err
			return
		}

		offsetBuf := make([]byte, 8)
		if _, err := io.ReadFull(transferConn, offsetBuf); err != nil {
			errCh <- err
			return
		}
		if _, err := transferConn.Write(content); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var sink bytes.Buffer
	bucket := governor.New(0)
	defer bucket.Close()

	deps := Deps{
		Registry:       registry.New(),
		Tokens:         mustTokenAllocator(t),
		Waiter:         w,
		Peers:          meMgr,
		Bucket:         bucket,
		Server:         &fakeServerConn{w: w},
		MessageTimeout: time.Second,
	}

	var gotStages []xfer.Stage
	req := Request{
		Username: "bob",
		Filename: "track.flac",
		Sink: func() (Sink, error) {
			return &sink, nil
		},
		Options: Options{
			StateChanged: func(ev xfer.StateChangedEvent) {
				gotStages = append(gotStages, ev.Transfer.Stage)
			},
		},
	}

	tr, done, err := Start(ctx, deps, req)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete in time")
	}

	require.NoError(t, <-errCh)
	assert.Equal(t, xfer.TerminatorSucceeded, tr.Terminator())
	assert.Equal(t, content, sink.Bytes())
	assert.Contains(t, gotStages, xfer.StageInProgress)
	assert.Contains(t, gotStages, xfer.StageCompleted)
}

func TestDownloadSizeMismatchAborts(t *testing.T) {
	network := simulated.NewNetwork()
	meMgr := simulated.NewManager(network, "me")
	bobMgr := simulated.NewManager(network, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meConn, err := meMgr.GetOrCreateMessageConnection(ctx, "bob", nil)
	require.NoError(t, err)
	bobConn, err := bobMgr.GetOrCreateMessageConnection(ctx, "me", nil)
	require.NoError(t, err)

	w := waiter.New()
	d := dispatch.New(w)
	go runInboundPump(ctx, meConn, "bob", d)

	errCh := make(chan error, 1)
	go func() {
		_, payload, err := bobConn.ReceiveMessage(ctx)
		if err != nil {
			errCh <- err
			return
		}
		reqMsg, err := protocol.DecodeTransferRequest(payload)
		if err != nil {
			errCh <- err
			return
		}
		// Report a size the caller's expectation disagrees with.
		remoteSize := uint64(999)
		resp := protocol.TransferResponse{Token: reqMsg.Token, Allowed: true, Size: &remoteSize}
		errCh <- bobConn.SendMessage(protocol.CodeTransferResponse, resp.Encode())
	}()

	bucket := governor.New(0)
	defer bucket.Close()

	callerSize := uint64(100)
	var sink bytes.Buffer
	req := Request{
		Username: "bob",
		Filename: "track.flac",
		Size:     &callerSize,
		Sink: func() (Sink, error) {
			return &sink, nil
		},
	}

	deps := Deps{
		Registry:       registry.New(),
		Tokens:         mustTokenAllocator(t),
		Waiter:         w,
		Peers:          meMgr,
		Bucket:         bucket,
		Server:         &fakeServerConn{w: w},
		MessageTimeout: time.Second,
	}

	tr, done, err := Start(ctx, deps, req)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete in time")
	}

	require.NoError(t, <-errCh)
	assert.Equal(t, xfer.TerminatorAborted, tr.Terminator())
}
