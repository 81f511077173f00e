package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/slsk-go/slsk/protocol"
	"github.com/slsk-go/slsk/slskerr"
	"github.com/slsk-go/slsk/waiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchUserAddressResponseCompletesWait(t *testing.T) {
	w := waiter.New()
	d := New(w)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.DispatchUserAddressResponse(protocol.UserAddressResponse{Username: "alice", IP: [4]byte{127, 0, 0, 1}, Port: 2234})
	}()

	resp, err := waiter.Wait[protocol.UserAddressResponse](context.Background(), w, UserAddressKey("alice"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(2234), resp.Port)
}

func TestDispatchUserAddressResponseWithZeroIPReportsOffline(t *testing.T) {
	w := waiter.New()
	d := New(w)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.DispatchUserAddressResponse(protocol.UserAddressResponse{Username: "alice"})
	}()

	_, err := waiter.Wait[protocol.UserAddressResponse](context.Background(), w, UserAddressKey("alice"), time.Second)
	var offlineErr *slskerr.UserOfflineError
	assert.ErrorAs(t, err, &offlineErr)
}

func TestDispatchUserOfflineThrows(t *testing.T) {
	w := waiter.New()
	d := New(w)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.DispatchUserOffline("alice")
	}()

	_, err := waiter.Wait[protocol.UserAddressResponse](context.Background(), w, UserAddressKey("alice"), time.Second)
	var offlineErr *slskerr.UserOfflineError
	assert.ErrorAs(t, err, &offlineErr)
}

func TestDispatchTransferResponseCorrelatesOnToken(t *testing.T) {
	w := waiter.New()
	d := New(w)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.DispatchTransferResponse("alice", protocol.TransferResponse{Token: 5, Allowed: true})
	}()

	resp, err := waiter.Wait[protocol.TransferResponse](context.Background(), w, TransferResponseKey("alice", 5), time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
}

func TestDispatchQueueFailedThrowsOnTransferRequestKey(t *testing.T) {
	w := waiter.New()
	d := New(w)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.DispatchQueueFailed("alice", protocol.QueueFailed{Filename: "a.mp3", Message: "full"})
	}()

	_, err := waiter.Wait[protocol.TransferRequest](context.Background(), w, TransferRequestKey("alice", "a.mp3"), time.Second)
	var rejectedErr *slskerr.TransferRejectedError
	require.ErrorAs(t, err, &rejectedErr)
	assert.Equal(t, "full", rejectedErr.Message)
}

func TestDispatchDownloadFailedAndDenied(t *testing.T) {
	w := waiter.New()
	d := New(w)

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.DispatchDownloadFailed("alice", "a.mp3")
	}()
	_, err := waiter.Wait[struct{}](context.Background(), w, DownloadFailedKey("alice", "a.mp3"), time.Second)
	assert.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.DispatchDownloadDenied("alice", "b.mp3", "banned")
	}()
	msg, err := waiter.Wait[string](context.Background(), w, DownloadDeniedKey("alice", "b.mp3"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "banned", msg)
}

func TestDispatchTransferRequestPrefersPendingWait(t *testing.T) {
	w := waiter.New()
	d := New(w)
	d.OnIncomingTransferRequest = func(username string, msg protocol.TransferRequest) {
		t.Fatalf("handler should not run when a wait is pending")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.DispatchTransferRequest("alice", protocol.TransferRequest{Filename: "a.mp3", Token: 7})
	}()

	msg, err := waiter.Wait[protocol.TransferRequest](context.Background(), w, TransferRequestKey("alice", "a.mp3"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), msg.Token)
}

func TestDispatchTransferRequestFallsBackToHandler(t *testing.T) {
	w := waiter.New()
	d := New(w)

	called := make(chan protocol.TransferRequest, 1)
	d.OnIncomingTransferRequest = func(username string, msg protocol.TransferRequest) {
		called <- msg
	}

	d.DispatchTransferRequest("bob", protocol.TransferRequest{Filename: "b.mp3", Token: 3})

	select {
	case msg := <-called:
		assert.Equal(t, uint32(3), msg.Token)
	case <-time.After(time.Second):
		t.Fatal("handler was never called")
	}
}

func TestSpuriousDispatchIsDroppedSilently(t *testing.T) {
	w := waiter.New()
	d := New(w)

	// No one is waiting on these; must not panic.
	d.DispatchUserAddressResponse(protocol.UserAddressResponse{Username: "nobody"})
	d.DispatchDownloadFailed("nobody", "x.mp3")
}
