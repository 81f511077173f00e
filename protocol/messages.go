// Package protocol implements the wire messages the transfer core consumes
// and emits: UserAddress request/response on the server connection,
// TransferRequest/TransferResponse/QueueFailed/UploadFailed on a peer
// message connection, and the 8-byte offset prologue on a transfer
// connection. Every message type is a plain struct plus a pair of
// Encode/Decode pure functions. Byte order is little-endian throughout,
// matching the Soulseek wire protocol this package implements.
package protocol

// MessageCode names a peer or server message kind for dispatch/waiter keys.
type MessageCode string

const (
	CodeUserAddressRequest  MessageCode = "UserAddressRequest"
	CodeUserAddressResponse MessageCode = "UserAddressResponse"
	CodeTransferRequest     MessageCode = "TransferRequest"
	CodeTransferResponse    MessageCode = "TransferResponse"
	CodeQueueFailed         MessageCode = "QueueFailed"
	CodeUploadFailed        MessageCode = "UploadFailed"
	CodeDownloadFailed      MessageCode = "DownloadFailed"
	CodeDownloadDenied      MessageCode = "DownloadDenied"
)

// Direction matches xfer.Direction's wire representation within a
// TransferRequest.
type Direction uint32

const (
	DirectionDownload Direction = 0
	DirectionUpload   Direction = 1
)

// UserAddressRequest asks the server to resolve username to an endpoint.
type UserAddressRequest struct {
	Username string
}

// UserAddressResponse carries the resolved endpoint, or indicates the user
// is offline.
type UserAddressResponse struct {
	Username string
	IP       [4]byte
	Port     uint16
}

// TransferRequest is sent peer-to-peer in either direction. Size is present
// when a peer requests to send us a file (download-direction requests
// issued by the peer); it is absent on our own outgoing request.
type TransferRequest struct {
	Direction Direction
	Token     uint32
	Filename  string
	Size      *uint64
}

// TransferResponse answers a TransferRequest. On ready, Allowed=true and
// Size holds the negotiated size. On queue/reject, Allowed=false and
// Message explains why.
type TransferResponse struct {
	Token   uint32
	Allowed bool
	Size    *uint64
	Message *string
}

// QueueFailed is sent by a peer when it cannot queue a requested file.
type QueueFailed struct {
	Filename string
	Message  string
}

// UploadFailedNotice is sent by us to a peer when our upload fails
// mid-stream, unlike a failed download which reports no such notice. A peer
// acting as uploader sends the same notice to us when it is our download
// that is on the receiving end of their failure.
type UploadFailedNotice struct {
	Filename string
}

// DownloadFailedNotice is sent by a peer to report that a download it is
// serving has failed on its end.
type DownloadFailedNotice struct {
	Username string
	Filename string
}

// DownloadDeniedNotice is sent by a peer to explicitly deny an in-flight
// download with an explanatory message.
type DownloadDeniedNotice struct {
	Username string
	Filename string
	Message  string
}
