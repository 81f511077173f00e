// Package dispatch routes inbound server and peer messages into the waiter
// and, for asynchronous remote failure notices that can arrive at any point
// during a transfer's lifetime, into whichever orchestrator goroutine is
// listening for them. Nothing here understands transfer semantics: it
// completes or throws the correlated WaitKey, and hands a TransferRequest
// that matches no pending wait to OnIncomingTransferRequest.
package dispatch

import (
	"github.com/sirupsen/logrus"
	"github.com/slsk-go/slsk/protocol"
	"github.com/slsk-go/slsk/slskerr"
	"github.com/slsk-go/slsk/waiter"
)

// Key builders. Every orchestrator and this package must agree on these
// exact shapes since they are the only thing correlating a Wait call with
// a Dispatch call.

// UserAddressKey correlates a UserAddressRequest with its response.
func UserAddressKey(username string) waiter.WaitKey {
	return waiter.NewKey("UserAddress", username)
}

// TransferResponseKey correlates an outgoing TransferRequest with the
// peer's TransferResponse.
func TransferResponseKey(username string, token uint32) waiter.WaitKey {
	return waiter.NewKey("TransferResponse", username, token)
}

// TransferRequestKey correlates the queued-by-message wait with the peer's
// follow-up TransferRequest (or a QueueFailed notice in its place).
func TransferRequestKey(username, filename string) waiter.WaitKey {
	return waiter.NewKey("TransferRequest", username, filename)
}

// DownloadFailedKey correlates a DownloadFailed notice with the download
// orchestrator instance streaming that (username, filename).
func DownloadFailedKey(username, filename string) waiter.WaitKey {
	return waiter.NewKey("DownloadFailed", username, filename)
}

// DownloadDeniedKey correlates a DownloadDenied notice with the download
// orchestrator instance streaming that (username, filename).
func DownloadDeniedKey(username, filename string) waiter.WaitKey {
	return waiter.NewKey("DownloadDenied", username, filename)
}

// IncomingTransferRequestHandler is invoked for a TransferRequest that does
// not correlate with any wait this process already registered — i.e. a
// peer soliciting a download of one of our files, rather than the
// queued-by-message follow-up to a download we ourselves initiated. It runs
// on the connection's read-pump goroutine, so implementations must not
// block on it; a real handler hands off to upload.Start and returns.
type IncomingTransferRequestHandler func(username string, msg protocol.TransferRequest)

// Dispatcher holds the single Waiter shared by every in-flight transfer.
type Dispatcher struct {
	Waiter *waiter.Waiter

	// OnIncomingTransferRequest is called for every TransferRequest that
	// isn't claimed by a pending queued-by-message wait. Nil is safe: such
	// requests are then simply logged and dropped, matching the prior
	// behavior for callers that don't serve uploads at all.
	OnIncomingTransferRequest IncomingTransferRequestHandler
}

// New creates a Dispatcher over w.
func New(w *waiter.Waiter) *Dispatcher {
	return &Dispatcher{Waiter: w}
}

// DispatchUserAddressResponse completes the pending UserAddress wait. A
// server response carrying the all-zero IP means the server could not
// resolve the user — i.e. they are offline — and is routed through
// DispatchUserOffline instead of being handed to the caller as a resolved
// endpoint.
func (d *Dispatcher) DispatchUserAddressResponse(msg protocol.UserAddressResponse) {
	if msg.IP == ([4]byte{}) {
		d.DispatchUserOffline(msg.Username)
		return
	}
	d.Waiter.Complete(UserAddressKey(msg.Username), msg)
}

// DispatchUserOffline faults the pending UserAddress wait with
// UserOfflineError, surfaced directly to whoever awaits UserAddressKey (the
// download orchestrator's endpoint resolution).
func (d *Dispatcher) DispatchUserOffline(username string) {
	d.Waiter.Throw(UserAddressKey(username), &slskerr.UserOfflineError{Username: username})
}

// DispatchTransferResponse completes the pending TransferResponse wait.
func (d *Dispatcher) DispatchTransferResponse(username string, msg protocol.TransferResponse) {
	d.Waiter.Complete(TransferResponseKey(username, msg.Token), msg)
}

// DispatchTransferRequest completes the pending queued-by-message wait with
// the peer's follow-up TransferRequest, if one of our own downloads is
// waiting on exactly this (username, filename). Otherwise the request isn't
// a follow-up at all: it is a peer soliciting a download of one of our own
// files, and is handed to OnIncomingTransferRequest instead.
func (d *Dispatcher) DispatchTransferRequest(username string, msg protocol.TransferRequest) {
	if d.Waiter.TryComplete(TransferRequestKey(username, msg.Filename), msg) {
		return
	}

	if d.OnIncomingTransferRequest == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.DispatchTransferRequest",
			"username": username,
			"filename": msg.Filename,
		}).Debug("incoming transfer request dropped, no handler registered")
		return
	}

	d.OnIncomingTransferRequest(username, msg)
}

// DispatchQueueFailed faults the queued-by-message wait: the peer could not
// queue the file at all, so the wait for its follow-up TransferRequest will
// never be satisfied.
func (d *Dispatcher) DispatchQueueFailed(username string, msg protocol.QueueFailed) {
	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.DispatchQueueFailed",
		"username": username,
		"filename": msg.Filename,
		"message":  msg.Message,
	}).Warn("peer reported queue failure")
	d.Waiter.Throw(TransferRequestKey(username, msg.Filename), &slskerr.TransferRejectedError{Message: msg.Message})
}

// DispatchDownloadFailed completes the key a download orchestrator listens
// on for the remote DownloadFailed notification while streaming.
func (d *Dispatcher) DispatchDownloadFailed(username, filename string) {
	d.Waiter.Complete(DownloadFailedKey(username, filename), struct{}{})
}

// DispatchDownloadDenied completes the key a download orchestrator listens
// on for the remote DownloadDenied notification while streaming.
func (d *Dispatcher) DispatchDownloadDenied(username, filename, message string) {
	d.Waiter.Complete(DownloadDeniedKey(username, filename), message)
}
