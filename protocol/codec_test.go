package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserAddressRoundTrip(t *testing.T) {
	req := UserAddressRequest{Username: "alice"}
	got, err := DecodeUserAddressRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	resp := UserAddressResponse{Username: "alice", IP: [4]byte{127, 0, 0, 1}, Port: 2234}
	gotResp, err := DecodeUserAddressResponse(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)
}

func TestTransferRequestRoundTripWithAndWithoutSize(t *testing.T) {
	size := uint64(4096)
	withSize := TransferRequest{Direction: DirectionDownload, Token: 7, Filename: "a/b.mp3", Size: &size}
	got, err := DecodeTransferRequest(withSize.Encode())
	require.NoError(t, err)
	require.NotNil(t, got.Size)
	assert.Equal(t, size, *got.Size)
	assert.Equal(t, withSize.Token, got.Token)
	assert.Equal(t, withSize.Filename, got.Filename)
	assert.Equal(t, withSize.Direction, got.Direction)

	withoutSize := TransferRequest{Direction: DirectionUpload, Token: 9, Filename: "c.mp3"}
	got2, err := DecodeTransferRequest(withoutSize.Encode())
	require.NoError(t, err)
	assert.Nil(t, got2.Size)
}

func TestTransferResponseRoundTripAllowedAndRejected(t *testing.T) {
	size := uint64(123)
	allowed := TransferResponse{Token: 1, Allowed: true, Size: &size}
	got, err := DecodeTransferResponse(allowed.Encode())
	require.NoError(t, err)
	assert.True(t, got.Allowed)
	require.NotNil(t, got.Size)
	assert.Equal(t, size, *got.Size)
	assert.Nil(t, got.Message)

	msg := "File not shared."
	rejected := TransferResponse{Token: 2, Allowed: false, Message: &msg}
	got2, err := DecodeTransferResponse(rejected.Encode())
	require.NoError(t, err)
	assert.False(t, got2.Allowed)
	require.NotNil(t, got2.Message)
	assert.Equal(t, msg, *got2.Message)
}

func TestQueueFailedRoundTrip(t *testing.T) {
	m := QueueFailed{Filename: "a.mp3", Message: "queue full"}
	got, err := DecodeQueueFailed(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestUploadFailedNoticeRoundTrip(t *testing.T) {
	m := UploadFailedNotice{Filename: "a.mp3"}
	got, err := DecodeUploadFailedNotice(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDownloadFailedNoticeRoundTrip(t *testing.T) {
	m := DownloadFailedNotice{Username: "alice", Filename: "a.mp3"}
	got, err := DecodeDownloadFailedNotice(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDownloadDeniedNoticeRoundTrip(t *testing.T) {
	m := DownloadDeniedNotice{Username: "alice", Filename: "a.mp3", Message: "banned"}
	got, err := DecodeDownloadDeniedNotice(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestOffsetRoundTrip(t *testing.T) {
	encoded := EncodeOffset(123456789)
	got, err := DecodeOffset(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456789), got)
}

func TestDecodeTruncatedReturnsErrTruncated(t *testing.T) {
	_, err := DecodeUserAddressRequest(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = DecodeOffset([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}
