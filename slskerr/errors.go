// Package slskerr defines the exception taxonomy used across the transfer
// core. It separates three layers that must never be conflated: argument
// errors raised synchronously at API entry, pre-stream negotiation errors,
// and stream-phase errors, each wrapped consistently so callers have a
// uniform catch surface while the root cause stays inspectable via
// errors.Is/errors.As.
package slskerr

import (
	"errors"
	"fmt"
)

// Sentinel argument/state errors raised synchronously at API entry. None of
// these ever transition a Transfer: no Transfer exists yet when they fire.
var (
	// ErrDuplicateToken indicates a caller-supplied token already exists in
	// either the download or upload registry.
	ErrDuplicateToken = errors.New("token already in use")

	// ErrNotConnected indicates the client is not in the Connected+LoggedIn
	// state required to start a transfer.
	ErrNotConnected = errors.New("client is not connected and logged in")
)

// DuplicateTransferError reports a duplicate active/queued transfer for the
// same (direction, username, filename) unique key.
type DuplicateTransferError struct {
	Username string
	Filename string
}

func (e *DuplicateTransferError) Error() string {
	return fmt.Sprintf("an active or queued download of %s from %s is already in progress", e.Filename, e.Username)
}

// UserOfflineError indicates the server reported the target user offline
// while resolving their endpoint. Surfaced directly, never wrapped.
type UserOfflineError struct {
	Username string
}

func (e *UserOfflineError) Error() string {
	return fmt.Sprintf("user %s is offline", e.Username)
}

// TimeoutError indicates a waiter registration, connection attempt, or
// socket read exceeded its deadline. Surfaced directly, never wrapped.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	if e.Operation == "" {
		return "operation timed out"
	}
	return fmt.Sprintf("%s timed out", e.Operation)
}

// CancelledError indicates a cancellation token fired. Surfaced directly,
// mirroring the source's OperationCanceledException.
type CancelledError struct {
	Message string
}

func (e *CancelledError) Error() string {
	if e.Message == "" {
		return "operation cancelled"
	}
	return e.Message
}

// TransferRejectedError indicates the peer explicitly refused a transfer
// (e.g. "File not shared.") or sent a DownloadDenied notification.
type TransferRejectedError struct {
	Message string
}

func (e *TransferRejectedError) Error() string {
	return e.Message
}

// TransferSizeMismatchError indicates the caller-supplied size disagreed
// with the size negotiated with the peer. Pairs with the Aborted
// terminator, distinct from Errored.
type TransferSizeMismatchError struct {
	Local  uint64
	Remote uint64
}

func (e *TransferSizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: local=%d remote=%d", e.Local, e.Remote)
}

// TransferException is the root cause attached to a Transfer when the
// stream phase or a remote notification fails for a reason that isn't one
// of the other named exceptions (e.g. "Download reported as failed by
// remote client").
type TransferException struct {
	Message string
}

func (e *TransferException) Error() string {
	return e.Message
}

// ConnectionError wraps a low-level connection failure with the operation
// and address that failed, so the failing leg (message connection vs.
// transfer connection) is always identifiable from the error string alone.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transfer %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transfer %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError builds a ConnectionError for the given operation,
// address, and underlying cause.
func NewConnectionError(op, addr string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Addr: addr, Err: err}
}

// SoulseekClientError is the top-level wrapper surfaced to API callers for
// pre-stream negotiation failures (that aren't one of the semantically
// meaningful kinds) and for all stream-phase failures. Its Unwrap exposes
// the inner cause; the Transfer's own Exception field always holds the
// unwrapped root cause directly, never this wrapper.
type SoulseekClientError struct {
	Message string
	Inner   error
}

func (e *SoulseekClientError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Inner)
	}
	return e.Message
}

func (e *SoulseekClientError) Unwrap() error {
	return e.Inner
}

// NewSoulseekClientError builds a SoulseekClientError wrapping cause.
func NewSoulseekClientError(message string, cause error) *SoulseekClientError {
	return &SoulseekClientError{Message: message, Inner: cause}
}
