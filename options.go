package slsk

import (
	"time"

	"github.com/slsk-go/slsk/download"
	"github.com/slsk-go/slsk/upload"
)

// ClientOptions configures a Client at construction time.
type ClientOptions struct {
	// MessageTimeout bounds every waiter registration that has a natural
	// deadline (endpoint resolution, TransferResponse). Default 5s.
	MessageTimeout time.Duration

	// DownloadTokenBucketRate and UploadTokenBucketRate configure the
	// client-wide governors, in bytes/sec. Zero or negative means
	// unbounded.
	DownloadTokenBucketRate float64
	UploadTokenBucketRate   float64

	// SelfUsername and ListenAddr are not read by NewClient, which takes an
	// already-built peer connection manager; a real manager gets its listen
	// address from peer/factory's Config.ListenAddr.
	SelfUsername string
	ListenAddr   string

	// ShareResolver maps an inbound TransferRequest's (username, filename)
	// to the local path to serve, admitting the peer-initiated upload.
	// A nil ShareResolver, or one returning an error, means the file isn't
	// shared: the client replies TransferResponse{allowed: false,
	// message: "File not shared."} and the upload never reaches a registry.
	ShareResolver func(username, filename string) (localPath string, err error)
}

// DefaultClientOptions returns the options a Client uses for any field left
// at its zero value.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		MessageTimeout:          5 * time.Second,
		DownloadTokenBucketRate: 0,
		UploadTokenBucketRate:   0,
	}
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.MessageTimeout <= 0 {
		o.MessageTimeout = 5 * time.Second
	}
	return o
}

// TransferOptions are the per-transfer download options exposed at the
// client API surface.
type TransferOptions = download.Options

// UploadOptions are the per-transfer upload options.
type UploadOptions = upload.Options
