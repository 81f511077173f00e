package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

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

// dialWithRetry polls DialTransferConnection until the uploader's
// AwaitInboundTransferConnection wait has registered, mirroring the retry
// helper in download's orchestrator test.
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

func TestUploadHappyPath(t *testing.T) {
	network := simulated.NewNetwork()
	meMgr := simulated.NewManager(network, "me")
	bobMgr := simulated.NewManager(network, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bob is the one requesting the file; its GetOrCreateMessageConnection
	// call establishes the pair in both directions, mirroring the cached
	// connection the real Client would already hold by the time an inbound
	// TransferRequest drove the Deps.Peers call into existence.
	bobConn, err := bobMgr.GetOrCreateMessageConnection(ctx, "me", nil)
	require.NoError(t, err)

	const size = uint64(2048)
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i * 3)
	}
	const remoteToken = uint32(77)

	errCh := make(chan error, 1)
	go func() {
		_, payload, err := bobConn.ReceiveMessage(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resp, err := protocol.DecodeTransferResponse(payload)
		if err != nil {
			errCh <- err
			return
		}
		if !resp.Allowed || resp.Size == nil || *resp.Size != size {
			errCh <- fmt.Errorf("unexpected TransferResponse: %+v", resp)
			return
		}

		transferConn, err := dialWithRetry(ctx, bobMgr, "me", remoteToken)
		if err != nil {
			errCh <- err
			return
		}

		offsetBuf := protocol.EncodeOffset(0)
		if _, err := transferConn.Write(offsetBuf); err != nil {
			errCh <- err
			return
		}

		got := make([]byte, size)
		if _, err := io.ReadFull(transferConn, got); err != nil {
			errCh <- err
			return
		}
		if !bytes.Equal(got, content) {
			errCh <- fmt.Errorf("content mismatch")
			return
		}
		errCh <- nil
	}()

	bucket := governor.New(0)
	defer bucket.Close()

	var gotStages []xfer.Stage
	req := Request{
		Username:    "bob",
		Filename:    "track.flac",
		Size:        size,
		RemoteToken: remoteToken,
		Source: func() (Source, error) {
			return bytes.NewReader(content), nil
		},
		Options: Options{
			StateChanged: func(ev xfer.StateChangedEvent) {
				gotStages = append(gotStages, ev.Transfer.Stage)
			},
		},
	}

	deps := Deps{
		Registry:       registry.New(),
		Tokens:         mustTokenAllocator(t),
		Waiter:         waiter.New(),
		Peers:          meMgr,
		Bucket:         bucket,
		MessageTimeout: time.Second,
	}

	tr, done, err := Start(ctx, deps, req)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not complete in time")
	}

	require.NoError(t, <-errCh)
	assert.Equal(t, xfer.TerminatorSucceeded, tr.Terminator())
	assert.Contains(t, gotStages, xfer.StageInProgress)
	assert.Contains(t, gotStages, xfer.StageCompleted)
}

func TestUploadSourceOpenFailureDeclinesWithoutRegistering(t *testing.T) {
	network := simulated.NewNetwork()
	meMgr := simulated.NewManager(network, "me")
	bobMgr := simulated.NewManager(network, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bobConn, err := bobMgr.GetOrCreateMessageConnection(ctx, "me", nil)
	require.NoError(t, err)

	reg := registry.New()
	bucket := governor.New(0)
	defer bucket.Close()

	req := Request{
		Username:    "bob",
		Filename:    "missing.flac",
		Size:        10,
		RemoteToken: 5,
		Source: func() (Source, error) {
			return nil, fmt.Errorf("file not shared")
		},
	}

	deps := Deps{
		Registry:       reg,
		Tokens:         mustTokenAllocator(t),
		Waiter:         waiter.New(),
		Peers:          meMgr,
		Bucket:         bucket,
		MessageTimeout: time.Second,
	}

	// The simulated message connection is an unbuffered pipe, so the decline
	// Start sends only completes once bob is reading.
	type received struct {
		payload []byte
		err     error
	}
	recvCh := make(chan received, 1)
	go func() {
		_, payload, err := bobConn.ReceiveMessage(ctx)
		recvCh <- received{payload: payload, err: err}
	}()

	tr, done, err := Start(ctx, deps, req)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not complete in time")
	}

	assert.Equal(t, xfer.TerminatorRejected, tr.Terminator())
	assert.False(t, reg.TokenExists(tr.Token), "a declined upload must never enter the registry")

	got := <-recvCh
	payload, err := got.payload, got.err
	require.NoError(t, err)
	resp, err := protocol.DecodeTransferResponse(payload)
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	require.NotNil(t, resp.Message)
	assert.Equal(t, "File not shared.", *resp.Message)
}
